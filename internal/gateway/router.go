package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/flags"
	"github.com/amoylab/chatgate/internal/gateway/protocol"
	"github.com/amoylab/chatgate/internal/ratelimit"
	"github.com/amoylab/chatgate/internal/store"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/amoylab/chatgate/pkg/trace"
)

// Rate limit kinds
const (
	LimitMessage  = "message"
	LimitReaction = "reaction"
	LimitTyping   = "typing"
	LimitChannel  = "channel"
	LimitPresence = "presence"
)

// Router decodes inbound frames and hands them to the handler of their type.
// Handler failures are turned into an error (or use_fallback) envelope for
// the originating connection and never reach the transport.
type Router struct {
	logger   *zap.Logger
	cfg      config.ConnConfig
	registry *Registry
	fanout   *Fanout
	presence *Presence
	limiter  *ratelimit.Limiter
	store    store.Store
	flags    *flags.Service
	bus      events.Bus
	metrics  *metrics.Metrics
	tracer   *trace.Builder
}

// Dispatch handles one raw frame from c. It returns an error only when the
// frame itself is malformed; the caller counts those toward the protocol
// violation limit.
func (r *Router) Dispatch(ctx context.Context, c *Connection, frame []byte) error {
	msg, err := protocol.Decode(frame)
	switch {
	case err == nil:
	case errors.Is(err, cnst.ErrUnknownMessageType):
		r.logger.Debug("dropping unknown message type",
			zap.String("conn_id", c.ID()),
			zap.Error(err))
		r.metrics.Dispatched("unknown", "dropped", time.Now())
		return nil
	case errors.Is(err, cnst.ErrMissingMessageType):
		r.reply(c, errorx.Validation("message type is required"))
		return err
	default:
		r.reply(c, errorx.Validation("%s", err.Error()))
		return err
	}

	r.Handle(ctx, c, msg)
	return nil
}

// Handle runs the handler for an already decoded message
func (r *Router) Handle(ctx context.Context, c *Connection, msg protocol.Inbound) {
	start := time.Now()
	scope := r.tracer.Start(ctx, cnst.SpanDispatchPrefix+msg.Type()).
		WithAttrs(
			attribute.String(cnst.AttrConnID, c.ID()),
			attribute.String(cnst.AttrUserID, c.UserID()),
		)
	defer scope.End()

	feature := featureOf(msg)
	if feature != "" {
		if f, _ := r.flags.Get(feature); !f.Owned() {
			r.metrics.Fallback(feature)
			_ = r.registry.Send(c, protocol.MustEncode(protocol.TypeUseFallback, protocol.UseFallback{
				Feature: feature,
				Error:   "feature is served by the legacy transport",
			}))
			r.metrics.Dispatched(msg.Type(), "deferred", start)
			return
		}
	}

	result := "ok"
	if err := r.handle(scope.Ctx, c, msg); err != nil {
		e := errorx.From(err)
		scope.Fail(err).WithAttrs(attribute.String(cnst.AttrErrorKind, string(e.Kind)))
		result = string(e.Kind)
		r.reject(c, msg.Type(), feature, e)
	}
	r.metrics.Dispatched(msg.Type(), result, start)
}

func (r *Router) handle(ctx context.Context, c *Connection, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.ClientReady:
		return r.handleReady(c, m)
	case protocol.ChannelJoin:
		return r.handleJoin(c, m)
	case protocol.ChannelLeave:
		return r.handleLeave(c, m)
	case protocol.ChatMessage:
		return r.handleMessage(ctx, c, m)
	case protocol.ReactionAdd:
		return r.handleReaction(ctx, c, m.ChannelID, m.MessageID, m.Emoji, true)
	case protocol.ReactionRemove:
		return r.handleReaction(ctx, c, m.ChannelID, m.MessageID, m.Emoji, false)
	case protocol.TypingStart:
		return r.handleTyping(c, m.ChannelID, true)
	case protocol.TypingStop:
		return r.handleTyping(c, m.ChannelID, false)
	case protocol.PresenceUpdate:
		return r.handlePresence(c, m)
	default:
		return errorx.Validation("unsupported message type %s", msg.Type())
	}
}

// reject reports a failed handler to c. Internal failures of a feature with
// fallback enabled ask the client to retry on the legacy transport.
func (r *Router) reject(c *Connection, msgType, feature string, e *errorx.Error) {
	fields := []zap.Field{
		zap.String("conn_id", c.ID()),
		zap.String("user_id", c.UserID()),
		zap.String("type", msgType),
		zap.Error(e),
	}
	if e.Kind == errorx.KindInternal {
		r.logger.Error("handler failed", fields...)
	} else {
		r.logger.Debug("request rejected", fields...)
	}

	if e.Kind == errorx.KindInternal && feature != "" && r.flags.FallbackEnabled(feature) {
		r.metrics.Fallback(feature)
		_ = r.registry.Send(c, protocol.MustEncode(protocol.TypeUseFallback, protocol.UseFallback{
			Feature: feature,
			Error:   e.Message,
		}))
		return
	}
	r.reply(c, e)
}

func (r *Router) reply(c *Connection, e *errorx.Error) {
	_ = r.registry.Send(c, protocol.MustEncode(protocol.TypeError, protocol.Error{
		Type:         string(e.Kind),
		Message:      e.Message,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}))
}

// admit applies the rate limit of kind to the user of c
func (r *Router) admit(c *Connection, kind string) error {
	ok, retryAfter := r.limiter.Check(c.UserID(), kind)
	if ok {
		return nil
	}
	r.metrics.RateLimited(kind)
	return errorx.RateLimited(kind, retryAfter)
}

func featureOf(msg protocol.Inbound) string {
	switch msg.(type) {
	case protocol.ChannelJoin, protocol.ChannelLeave:
		return flags.FeatureChannels
	case protocol.ChatMessage:
		return flags.FeatureMessages
	case protocol.ReactionAdd, protocol.ReactionRemove:
		return flags.FeatureReactions
	case protocol.TypingStart, protocol.TypingStop:
		return flags.FeatureTyping
	case protocol.PresenceUpdate:
		return flags.FeaturePresence
	default:
		return ""
	}
}
