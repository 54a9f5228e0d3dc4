package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amoylab/chatgate/internal/auth"
	"github.com/amoylab/chatgate/internal/auth/jwt"
	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/internal/events"
	"github.com/amoylab/chatgate/internal/flags"
	"github.com/amoylab/chatgate/internal/gateway"
	"github.com/amoylab/chatgate/internal/ratelimit"
	"github.com/amoylab/chatgate/internal/store"
	"github.com/amoylab/chatgate/pkg/logger"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/amoylab/chatgate/pkg/trace"
	"github.com/amoylab/chatgate/pkg/version"
)

const defaultConfig = "chatgate.yaml"

var (
	configPath string
	tokenUser  string
	tokenName  string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of chatgate",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatgate version %s\n", version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test",
		Short: "Test the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("configuration file %s test failed: %w", path, err)
			}
			fmt.Printf("configuration file %s test is successful\n", path)
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user, for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenUser == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, _, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			svc, err := jwt.NewService(jwt.Config{SecretKey: cfg.Auth.JWT.SecretKey, Duration: cfg.Auth.JWT.Duration})
			if err != nil {
				return fmt.Errorf("failed to create token service: %w", err)
			}
			tok, err := svc.GenerateToken(tokenUser, tokenName)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   "chatgate",
		Short: "Realtime chat gateway",
		Long:  `chatgate terminates client websockets and fans chat traffic out to channel subscribers`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", defaultConfig, "path to configuration file")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenName, "username", "", "username claim")
	rootCmd.AddCommand(versionCmd, testCmd, tokenCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration from %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	lg.Info("Starting chatgate",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		lg.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			lg.Warn("failed to shutdown tracing", zap.Error(err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	st, err := store.NewStore(lg, &cfg.Database)
	if err != nil {
		lg.Fatal("failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	tokens, err := jwt.NewService(jwt.Config{SecretKey: cfg.Auth.JWT.SecretKey, Duration: cfg.Auth.JWT.Duration})
	if err != nil {
		lg.Fatal("failed to initialize token verification", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(lg, tokens, st, cfg.Auth.TokenParam)

	limiter := ratelimit.New(lg, cfg.RateLimit.Rules)
	go limiter.Run(ctx, cfg.RateLimit.CleanupInterval)

	var handshake *ratelimit.HandshakeLimiter
	if cfg.RateLimit.Handshake.Enabled {
		handshake = ratelimit.NewHandshakeLimiter(lg, cfg.RateLimit.Handshake)
		go handshake.Run(ctx, cfg.RateLimit.CleanupInterval)
	}

	flagSync, err := flags.NewSync(lg, cfg.Flags.Sync)
	if err != nil {
		lg.Fatal("failed to initialize flag sync", zap.Error(err))
	}
	flagService, err := flags.New(lg, cfg.Flags, flagSync)
	if err != nil {
		lg.Fatal("failed to initialize flags", zap.Error(err))
	}
	defer flagService.Close()
	go func() {
		if err := flagService.Run(ctx); err != nil {
			lg.Error("flag sync stopped", zap.Error(err))
		}
	}()

	bus, err := events.NewBus(lg, cfg.Events)
	if err != nil {
		lg.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer bus.Close()

	gw := gateway.New(lg, cfg.Gateway, gateway.Deps{
		Store:   st,
		Limiter: limiter,
		Flags:   flagService,
		Bus:     bus,
		Metrics: m,
	})
	go gw.RunHeartbeat(ctx, cfg.Gateway.PingInterval)

	if cfg.Logger.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gateway.NewServer(lg, cfg.Port, cfg.Gateway, gateway.ServerDeps{
		Gateway:   gw,
		Auth:      authenticator,
		Tokens:    tokens,
		Admins:    cfg.Auth.AdminUsers,
		Handshake: handshake,
		Flags:     flagService,
		Bus:       bus,
		Metrics:   m,
	})
	srv.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	lg.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
	lg.Info("Server shutdown completed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
