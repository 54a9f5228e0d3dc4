package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth"
	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/flags"
	"github.com/amoylab/chatgate/internal/gateway/protocol"
	"github.com/amoylab/chatgate/internal/ratelimit"
	"github.com/amoylab/chatgate/internal/store"
)

// fakeTransport records frames instead of writing to a socket
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	code   int
	reason string
	alive  bool
	pings  int
	full   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{alive: true}
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return cnst.ErrConnectionClosed
	}
	if f.full {
		return cnst.ErrTransportFailure
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	f.alive = false
	return nil
}

func (f *fakeTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTransport) pong() {
	f.mu.Lock()
	f.alive = true
	f.mu.Unlock()
}

func (f *fakeTransport) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.code = code
	f.reason = reason
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1" }

func (f *fakeTransport) closeCode() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code
}

func (f *fakeTransport) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, b := range f.frames {
		var e protocol.Envelope
		if err := json.Unmarshal(b, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) types() []string {
	var out []string
	for _, e := range f.envelopes() {
		out = append(out, e.Type)
	}
	return out
}

// count returns how many frames of typ were received
func (f *fakeTransport) count(typ string) int {
	n := 0
	for _, t := range f.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// last decodes the payload of the most recent frame of typ into v
func (f *fakeTransport) last(t *testing.T, typ string, v any) {
	t.Helper()
	envs := f.envelopes()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ {
			require.NoError(t, json.Unmarshal(envs[i].Payload, v))
			return
		}
	}
	t.Fatalf("no %s frame received, got %v", typ, f.types())
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// failingStore makes message persistence fail
type failingStore struct {
	store.Store
}

func (failingStore) PersistMessage(context.Context, *store.MessageInput) (*store.Message, error) {
	return nil, errors.New("database is down")
}

type harness struct {
	t     *testing.T
	gw    *Gateway
	store *store.MemoryStore
	flags *flags.Service
	bus   *events.MemoryBus
}

func testConnConfig() config.ConnConfig {
	return config.ConnConfig{
		ReadyTimeout:     time.Minute,
		PingInterval:     time.Minute,
		WriteTimeout:     time.Second,
		SendBuffer:       64,
		MaxMessageBytes:  64 * 1024,
		MaxContentLength: 20,
		MaxAttachments:   2,
		MaxParseFailures: 3,
	}
}

func newHarness(t *testing.T, cfg config.ConnConfig, rules map[string]config.RateRule) *harness {
	t.Helper()
	logger := zap.NewNop()

	st := store.NewMemoryStore(logger)
	ctx := context.Background()
	for _, u := range []*store.User{{ID: "u1", Username: "alice"}, {ID: "u2", Username: "bob"}, {ID: "u3", Username: "carol"}} {
		require.NoError(t, st.SaveUser(ctx, u))
	}
	require.NoError(t, st.SaveChannel(ctx, &store.Channel{ID: "general", Name: "general", Kind: store.ChannelPublic}, "u1", "u2", "u3"))
	require.NoError(t, st.SaveChannel(ctx, &store.Channel{ID: "dm-u1-u2", Name: "alice, bob", Kind: store.ChannelDirect}, "u1", "u2"))

	fs, err := flags.New(logger, config.FlagsConfig{}, nil)
	require.NoError(t, err)
	bus := events.NewMemoryBus(logger, 64)
	t.Cleanup(func() { _ = bus.Close() })

	gw := New(logger, cfg, Deps{
		Store:   st,
		Limiter: ratelimit.New(logger, rules),
		Flags:   fs,
		Bus:     bus,
	})
	return &harness{t: t, gw: gw, store: st, flags: fs, bus: bus}
}

// connect admits a connection for a stored user without making it ready
func (h *harness) connect(userID string) (*Connection, *fakeTransport) {
	h.t.Helper()
	u, err := h.store.FindUser(context.Background(), userID)
	require.NoError(h.t, err)

	tr := newFakeTransport()
	c := h.gw.Accept(tr)
	require.NoError(h.t, h.gw.Connect(context.Background(), c, &auth.Identity{UserID: u.ID, Username: u.Username}))
	return c, tr
}

// ready connects userID and completes the ready handshake
func (h *harness) ready(userID string) (*Connection, *fakeTransport) {
	h.t.Helper()
	c, tr := h.connect(userID)
	h.send(c, protocol.TypeClientReady, protocol.ClientReady{UserID: c.UserID(), Username: c.Username()})
	require.Equal(h.t, StateReady, c.State())
	return c, tr
}

func (h *harness) send(c *Connection, typ string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	frame, err := json.Marshal(map[string]any{"type": typ, "payload": json.RawMessage(raw)})
	require.NoError(h.t, err)
	require.NoError(h.t, h.gw.Router().Dispatch(context.Background(), c, frame))
}
