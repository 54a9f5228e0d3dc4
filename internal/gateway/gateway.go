package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth"
	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/flags"
	"github.com/amoylab/chatgate/internal/ratelimit"
	"github.com/amoylab/chatgate/internal/store"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/amoylab/chatgate/pkg/trace"
)

// Deps are the collaborators of a Gateway. Bus and Metrics are optional.
type Deps struct {
	Store   store.Store
	Limiter *ratelimit.Limiter
	Flags   *flags.Service
	Bus     events.Bus
	Metrics *metrics.Metrics
}

// Gateway ties the connection lifecycle together: admission, the per
// connection session loop, heartbeat and shutdown
type Gateway struct {
	logger  *zap.Logger
	cfg     config.ConnConfig
	store   store.Store
	metrics *metrics.Metrics
	tracer  *trace.Builder

	registry *Registry
	fanout   *Fanout
	presence *Presence
	router   *Router
}

// New creates a Gateway
func New(logger *zap.Logger, cfg config.ConnConfig, deps Deps) *Gateway {
	logger = logger.Named("gateway")
	registry := NewRegistry(logger, cfg, deps.Metrics)
	fanout := NewFanout(logger, registry)
	presence := NewPresence(logger, registry, deps.Bus, deps.Metrics)
	tracer := trace.Tracer(cnst.TraceGateway)

	return &Gateway{
		logger:   logger,
		cfg:      cfg,
		store:    deps.Store,
		metrics:  deps.Metrics,
		tracer:   tracer,
		registry: registry,
		fanout:   fanout,
		presence: presence,
		router: &Router{
			logger:   logger.Named("router"),
			cfg:      cfg,
			registry: registry,
			fanout:   fanout,
			presence: presence,
			limiter:  deps.Limiter,
			store:    deps.Store,
			flags:    deps.Flags,
			bus:      deps.Bus,
			metrics:  deps.Metrics,
			tracer:   tracer,
		},
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }
func (g *Gateway) Presence() *Presence { return g.presence }
func (g *Gateway) Fanout() *Fanout     { return g.fanout }
func (g *Gateway) Router() *Router     { return g.router }

// Accept wraps a freshly opened transport into a connection that is being authenticated
func (g *Gateway) Accept(t Transport) *Connection {
	c := newConnection(t)
	g.metrics.ConnState("", StateConnecting.String())
	c.moveTo(StateAuthenticating, g.metrics)
	return c
}

// Reject closes a connection that was never admitted
func (g *Gateway) Reject(c *Connection, code int, reason string) {
	c.moveTo(StateClosed, g.metrics)
	c.transport.Close(code, reason)
	g.metrics.Admission("rejected")
	g.metrics.Closed(code)
	g.logger.Debug("connection rejected",
		zap.String("conn_id", c.id),
		zap.String("remote_addr", c.RemoteAddr()),
		zap.Int("code", code),
		zap.String("reason", reason))
}

// Connect admits an authenticated connection, auto-subscribing it to every
// channel the user belongs to
func (g *Gateway) Connect(ctx context.Context, c *Connection, id *auth.Identity) error {
	scope := g.tracer.Start(ctx, cnst.SpanAdmit).WithAttrs(
		attribute.String(cnst.AttrConnID, c.id),
		attribute.String(cnst.AttrUserID, id.UserID),
		attribute.String(cnst.AttrClientAddr, c.RemoteAddr()),
	)
	defer scope.End()

	channels, err := g.store.FindChannelsForUser(scope.Ctx, id.UserID)
	if err != nil {
		scope.Fail(err)
		g.logger.Error("failed to load channels",
			zap.String("conn_id", c.id),
			zap.String("user_id", id.UserID),
			zap.Error(err))
		g.Reject(c, cnst.CloseInternalError, cnst.ReasonInternal)
		return fmt.Errorf("load channels for %s: %w", id.UserID, err)
	}

	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	c.loaded = channels
	g.registry.Admit(c, *id, ids)
	g.metrics.Admission("admitted")

	g.logger.Info("connection admitted",
		zap.String("conn_id", c.id),
		zap.String("user_id", id.UserID),
		zap.String("remote_addr", c.RemoteAddr()))
	return nil
}

// Disconnect deregisters c before closing its transport, so no fan-out can
// target it afterwards, then reports the removal to presence
func (g *Gateway) Disconnect(c *Connection, code int, reason string) {
	removed, _ := g.registry.Remove(c)
	c.transport.Close(code, reason)
	if !removed {
		return
	}
	g.metrics.Closed(code)
	g.presence.OnRemoved(c)

	g.logger.Info("connection closed",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Int("code", code),
		zap.String("reason", reason))
}

// Serve is the session loop of one connection. Frames are handled one at a
// time in arrival order. It returns when frames is closed or ctx is done,
// after the connection has been disconnected.
func (g *Gateway) Serve(ctx context.Context, c *Connection, frames <-chan []byte) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			g.Disconnect(c, cnst.CloseGoingAway, cnst.ReasonShutdown)
			return
		case frame, ok := <-frames:
			if !ok {
				g.Disconnect(c, cnst.CloseNormal, "")
				return
			}
			c.touch(time.Now())
			if err := g.router.Dispatch(ctx, c, frame); err != nil {
				failures++
				if g.cfg.MaxParseFailures > 0 && failures >= g.cfg.MaxParseFailures {
					g.logger.Warn("closing connection after malformed frames",
						zap.String("conn_id", c.id),
						zap.String("user_id", c.userID),
						zap.Int("failures", failures))
					g.Disconnect(c, cnst.CloseProtocolViolation, cnst.ReasonProtocolViolation)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// RunHeartbeat pings every connection each interval and disconnects those
// that did not answer the previous ping
func (g *Gateway) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Heartbeat()
		}
	}
}

// Heartbeat runs one heartbeat round and returns how many connections were dropped
func (g *Gateway) Heartbeat() int {
	dead := g.registry.Sweep()
	for _, c := range dead {
		g.logger.Info("heartbeat timeout",
			zap.String("conn_id", c.id),
			zap.String("user_id", c.userID))
		g.Disconnect(c, cnst.CloseHeartbeatTimeout, cnst.ReasonHeartbeatTimeout)
	}
	return len(dead)
}

// Shutdown closes every connection with CloseGoingAway
func (g *Gateway) Shutdown() {
	conns := g.registry.All()
	for _, c := range conns {
		g.Disconnect(c, cnst.CloseGoingAway, cnst.ReasonShutdown)
	}
	g.logger.Info("gateway stopped", zap.Int("closed", len(conns)))
}
