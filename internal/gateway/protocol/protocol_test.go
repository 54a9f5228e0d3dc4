package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/store"
)

func TestDecode_KnownTypes(t *testing.T) {
	cases := []struct {
		frame string
		want  Inbound
	}{
		{`{"type":"client_ready","payload":{"userId":"u1","username":"alice"}}`, ClientReady{UserID: "u1", Username: "alice"}},
		{`{"type":"channel_join","payload":{"channelId":"c1"}}`, ChannelJoin{ChannelID: "c1"}},
		{`{"type":"channel_leave","payload":{"channelId":"c1"}}`, ChannelLeave{ChannelID: "c1"}},
		{`{"type":"message","payload":{"channelId":"c1","content":"hi","attachments":[{"url":"u"}],"clientId":"n1"}}`,
			ChatMessage{ChannelID: "c1", Content: "hi", Attachments: []store.Attachment{{URL: "u"}}, ClientID: "n1"}},
		{`{"type":"reaction_add","payload":{"channelId":"c1","messageId":"m1","emoji":"👍"}}`, ReactionAdd{ChannelID: "c1", MessageID: "m1", Emoji: "👍"}},
		{`{"type":"reaction_remove","payload":{"channelId":"c1","messageId":"m1","emoji":"👍"}}`, ReactionRemove{ChannelID: "c1", MessageID: "m1", Emoji: "👍"}},
		{`{"type":"typing_start","payload":{"channelId":"c1"}}`, TypingStart{ChannelID: "c1"}},
		{`{"type":"typing_stop","payload":{"channelId":"c1"}}`, TypingStop{ChannelID: "c1"}},
		{`{"type":"presence_update","payload":{"status":"away"}}`, PresenceUpdate{Status: "away"}},
		{`{"type":"client_ready"}`, ClientReady{}},
		{`{"type":"typing_stop","payload":null,"timestamp":1}`, TypingStop{}},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.frame))
		require.NoError(t, err, tc.frame)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.want.Type(), got.Type())
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, cnst.ErrValidationFailed)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, cnst.ErrMissingMessageType)

	_, err = Decode([]byte(`{"type":42}`))
	assert.ErrorIs(t, err, cnst.ErrMissingMessageType)

	_, err = Decode([]byte(`{"type":"sticker","payload":{}}`))
	assert.ErrorIs(t, err, cnst.ErrUnknownMessageType)
	assert.Contains(t, err.Error(), "sticker")

	_, err = Decode([]byte(`{"type":"message","payload":"hi"}`))
	assert.ErrorIs(t, err, cnst.ErrValidationFailed)

	_, err = Decode([]byte(`{"type":"message","payload":{"content":5}}`))
	assert.ErrorIs(t, err, cnst.ErrValidationFailed)
}

func TestEncode(t *testing.T) {
	before := time.Now().UnixMilli()
	b, err := Encode(TypeError, Error{Type: "RateLimited", Message: "slow down", RetryAfterMs: 1500})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, TypeError, env.Type)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.JSONEq(t, `{"type":"RateLimited","message":"slow down","retryAfterMs":1500}`, string(env.Payload))

	_, err = Encode(TypeError, make(chan int))
	assert.Error(t, err)
	assert.Panics(t, func() { MustEncode(TypeError, make(chan int)) })
}

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(StatusAway))
	assert.True(t, ValidStatus(StatusOnline))
	assert.False(t, ValidStatus(StatusOffline))
	assert.False(t, ValidStatus("invisible"))
}
