package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth"
	"github.com/amoylab/chatgate/internal/common/cnst"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/common/errorx"
	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/flags"
	"github.com/amoylab/chatgate/internal/ratelimit"
	"github.com/amoylab/chatgate/pkg/metrics"
)

// ServerDeps are the collaborators of a Server. Handshake, Bus and Metrics are optional.
// Without Tokens every /api request is refused.
type ServerDeps struct {
	Gateway   *Gateway
	Auth      *auth.Authenticator
	Tokens    auth.TokenVerifier
	Admins    []string
	Handshake *ratelimit.HandshakeLimiter
	Flags     *flags.Service
	Bus       events.Bus
	Metrics   *metrics.Metrics
}

// Server exposes the websocket endpoint and the admin API over gin
type Server struct {
	logger    *zap.Logger
	port      int
	cfg       config.ConnConfig
	router    *gin.Engine
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
	errs      *errorx.ErrorHandler
	gateway   *Gateway
	auth      *auth.Authenticator
	apiAuth   gin.HandlerFunc
	handshake *ratelimit.HandshakeLimiter
	flags     *flags.Service
	bus       events.Bus
	metrics   *metrics.Metrics

	// ctx outlives single requests; it ends every session on shutdown
	ctx    context.Context
	cancel context.CancelFunc
	// shutdownCh is used to signal shutdown to all SSE streams
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewServer creates the HTTP server and registers its routes
func NewServer(logger *zap.Logger, port int, cfg config.ConnConfig, deps ServerDeps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger.Named("server"),
		port:       port,
		cfg:        cfg,
		router:     gin.New(),
		errs:       errorx.NewErrorHandler(logger.Named("server.errors")),
		gateway:    deps.Gateway,
		auth:       deps.Auth,
		apiAuth:    auth.JWTAuthMiddleware(deps.Tokens, deps.Admins),
		handshake:  deps.Handshake,
		flags:      deps.Flags,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:      s.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}

	s.router.Use(s.errs.RecoveryMiddleware())
	s.router.Use(otelgin.Middleware("chatgate"))
	s.router.Use(s.metrics.Middleware())
	s.router.Use(s.errs.ErrorMiddleware())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health_check", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Health check passed.",
		})
	})
	s.router.GET("/ws", s.handleWebSocket)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api", s.apiAuth)
	api.GET("/flags", s.handleListFlags)
	api.PUT("/flags/:feature", s.handleUpdateFlag)
	api.GET("/flags/watch", s.handleWatchFlags)
	api.GET("/presence/:userId", s.handlePresence)
	api.GET("/stats", s.handleStats)
	api.GET("/events", s.handleEvents)
}

// Handler returns the http handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	go func() {
		s.logger.Info("listening", zap.Int("port", s.port))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("failed to start server", zap.Error(err))
		}
	}()
}

// Shutdown closes every connection and stream, then stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.cancel()
	})
	s.gateway.Shutdown()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// not a browser
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// handleWebSocket upgrades the request, authenticates it and runs the session
// loop until the socket goes away. Handshake failures are reported with a
// close code after the upgrade, since browsers cannot read HTTP error bodies
// of a failed websocket upgrade.
func (s *Server) handleWebSocket(c *gin.Context) {
	ip := c.ClientIP()
	allowed := s.handshake == nil || s.handshake.Allow(ip)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("failed to upgrade websocket connection", zap.String("remote_addr", ip), zap.Error(err))
		return
	}
	t := newWSTransport(s.logger.Named("ws"), ws, ip, s.cfg)
	t.start()
	conn := s.gateway.Accept(t)

	if !allowed {
		s.metrics.RateLimited("handshake")
		s.gateway.Reject(conn, cnst.CloseRateLimited, cnst.ReasonRateLimited)
		return
	}

	identity, err := s.auth.Authenticate(c.Request.Context(), c.Request)
	if err != nil {
		s.logger.Info("handshake rejected", zap.String("remote_addr", ip), zap.Error(err))
		s.gateway.Reject(conn, cnst.CloseCodeForAuthError(err), cnst.CloseReasonForAuthError(err))
		return
	}
	if err := s.gateway.Connect(s.ctx, conn, identity); err != nil {
		return
	}
	s.gateway.Serve(s.ctx, conn, t.Frames())
}

func (s *Server) handleListFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flags": s.flags.List()})
}

type flagUpdate struct {
	Implementation *string `json:"implementation"`
	Fallback       *bool   `json:"fallback"`
}

func (s *Server) handleUpdateFlag(c *gin.Context) {
	feature := c.Param("feature")
	if _, ok := s.flags.Get(feature); !ok {
		s.errs.HandleError(c, errorx.NotFound("feature", feature))
		return
	}

	var req flagUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		s.errs.HandleError(c, errorx.Validation("invalid request body: %v", err))
		return
	}
	if req.Implementation != nil {
		impl, err := flags.ParseImplementation(*req.Implementation)
		if err != nil {
			s.errs.HandleError(c, err)
			return
		}
		if err := s.flags.SetImplementation(c.Request.Context(), feature, impl); err != nil {
			s.errs.HandleError(c, err)
			return
		}
	}
	if req.Fallback != nil {
		if err := s.flags.SetFallback(c.Request.Context(), feature, *req.Fallback); err != nil {
			s.errs.HandleError(c, err)
			return
		}
	}

	f, _ := s.flags.Get(feature)
	c.JSON(http.StatusOK, f)
}

func (s *Server) handlePresence(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.Presence().Status(c.Param("userId")))
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.Registry().Stats())
}

// handleEvents streams presence and delivery events as server-sent events
func (s *Server) handleEvents(c *gin.Context) {
	if s.bus == nil {
		s.errs.HandleError(c, errorx.NotFound("event stream", "events"))
		return
	}
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, err := s.bus.Subscribe(ctx)
	if err != nil {
		s.errs.HandleError(c, errorx.Internal("failed to subscribe to events", err))
		return
	}
	s.streamSSE(c, func(emit func(event string, v any) error) {
		for {
			select {
			case e, ok := <-stream:
				if !ok {
					return
				}
				if err := emit(string(e.Kind), e); err != nil {
					return
				}
			case <-c.Request.Context().Done():
				return
			case <-s.shutdownCh:
				return
			}
		}
	})
}

// handleWatchFlags streams migration flag changes as server-sent events
func (s *Server) handleWatchFlags(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	changes := s.flags.Watch(ctx)
	s.streamSSE(c, func(emit func(event string, v any) error) {
		for {
			select {
			case ch, ok := <-changes:
				if !ok {
					return
				}
				if err := emit("flag", ch); err != nil {
					return
				}
			case <-c.Request.Context().Done():
				return
			case <-s.shutdownCh:
				return
			}
		}
	})
}

func (s *Server) streamSSE(c *gin.Context, loop func(emit func(event string, v any) error)) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	loop(func(event string, v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			s.logger.Debug("failed to write SSE event", zap.Error(err))
			return err
		}
		c.Writer.Flush()
		return nil
	})
}
