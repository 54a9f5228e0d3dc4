package flags

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/config"
)

func TestNewSync(t *testing.T) {
	s, err := NewSync(zap.NewNop(), config.FlagSyncConfig{Type: "none"})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewSync(zap.NewNop(), config.FlagSyncConfig{Type: "etcd"})
	assert.Error(t, err)

	_, err = NewSync(zap.NewNop(), config.FlagSyncConfig{Type: "redis", Redis: config.RedisConfig{Addr: "127.0.0.1:1"}})
	assert.Error(t, err)
}

func TestRedisSync_PropagatesBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCfg := config.RedisConfig{Addr: mr.Addr(), Topic: "chatgate:flags:test"}

	syncA, err := NewRedisSync(zap.NewNop(), redisCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = syncA.Close() })
	syncB, err := NewRedisSync(zap.NewNop(), redisCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = syncB.Close() })

	a, err := New(zap.NewNop(), config.FlagsConfig{}, syncA)
	require.NoError(t, err)
	b, err := New(zap.NewNop(), config.FlagsConfig{}, syncB)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changesB := b.Watch(ctx)
	// subscribe before publishing so the change is not missed
	remote, err := syncB.Subscribe(ctx)
	require.NoError(t, err)
	go func() {
		for f := range remote {
			b.apply(f)
		}
	}()

	require.NoError(t, a.SetImplementation(ctx, FeatureReactions, Legacy))

	select {
	case c := <-changesB:
		assert.True(t, c.Remote)
		assert.Equal(t, FeatureReactions, c.New.Feature)
		assert.Equal(t, Legacy, c.New.Implementation)
	case <-time.After(3 * time.Second):
		t.Fatal("change did not propagate")
	}
	assert.Equal(t, Legacy, b.ImplementationFor(FeatureReactions))
}

func TestRedisSync_SkipsOwnMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := NewRedisSync(zap.NewNop(), config.RedisConfig{Addr: mr.Addr(), Topic: "chatgate:flags:self"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := rs.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, rs.Publish(ctx, Flag{Feature: FeatureTyping, Implementation: Both}))
	select {
	case f := <-ch:
		t.Fatalf("own flag echoed back: %+v", f)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestRedisSync_Close(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := NewRedisSync(zap.NewNop(), config.RedisConfig{Addr: mr.Addr(), Topic: "chatgate:flags:close"})
	require.NoError(t, err)

	require.NoError(t, rs.Close())
	assert.Error(t, rs.Publish(context.Background(), Flag{Feature: FeatureTyping, Implementation: Legacy}))
}
