// TaskMate realtime gateway server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/taskmate-realtime/internal/api"
	"github.com/ashureev/taskmate-realtime/internal/backend"
	"github.com/ashureev/taskmate-realtime/internal/config"
	"github.com/ashureev/taskmate-realtime/internal/gateway"
	"github.com/ashureev/taskmate-realtime/internal/identity"
	"github.com/ashureev/taskmate-realtime/internal/middleware"
	"github.com/ashureev/taskmate-realtime/internal/project"
	"github.com/ashureev/taskmate-realtime/internal/session"
	"github.com/ashureev/taskmate-realtime/internal/store"
	"github.com/ashureev/taskmate-realtime/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const devJWTSecret = "taskmate-development-secret"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend_transport", cfg.Backend.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	secret := cfg.JWTSecret
	if secret == "" {
		slog.Warn("JWT_SECRET not set, using the development secret", "app_env", cfg.Env)
		secret = devJWTSecret
	}
	verifier, err := identity.NewVerifier(secret)
	if err != nil {
		slog.Error("Failed to initialize token verifier", "error", err)
		os.Exit(1)
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
	}

	transport, err := newTransport(ctx, cfg.Backend, logger)
	if err != nil {
		slog.Error("Failed to initialize backend transport", "error", err)
		os.Exit(1)
	}
	bus := backend.NewBus(transport,
		backend.WithSendTimeout(cfg.Backend.SendTimeout),
		backend.WithLogger(logger),
		backend.WithMetrics(metrics),
	)
	go func() {
		if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, backend.ErrClosed) {
			slog.Error("Backend transport stopped", "error", err)
		}
	}()
	slog.Info("Backend bus started", "transport", cfg.Backend.Transport)

	projects := project.NewService(repo, logger)
	deps := session.Deps{Backend: bus, Projects: projects, Logger: logger, Metrics: metrics}
	chat := session.NewManager(session.Config{
		Endpoint:          session.EndpointChat,
		GracePeriod:       cfg.Session.GracePeriod,
		HistoryLimit:      cfg.Session.HistoryLimit,
		MessagesPerMinute: cfg.RateLimit.MessagesPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, deps)
	insights := session.NewManager(session.Config{
		Endpoint:     session.EndpointInsights,
		GracePeriod:  cfg.Session.GracePeriod,
		HistoryLimit: cfg.Session.HistoryLimit,
	}, deps)

	monitor := session.NewMonitor(cfg.Session.HeartbeatInterval, cfg.Session.HeartbeatTimeout, logger, chat, insights)
	go monitor.Run(ctx)
	slog.Info("Liveness monitor started", "interval", cfg.Session.HeartbeatInterval)

	gw := gateway.New(verifier, gateway.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDev:          cfg.IsDevelopment(),
		SendQueueSize:  cfg.WebSocket.SendQueueSize,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		Logger:         logger,
		Metrics:        metrics,
	}, chat, insights)

	// Initialize handlers.
	checks := map[string]api.Pinger{"database": repo}
	if p, ok := transport.(api.Pinger); ok {
		checks["backend"] = p
	}
	healthHandler := api.NewHealthHandler(checks)
	analyticsHandler := api.NewAnalyticsHandler(bus, cfg.Backend.AnalyticsTimeout, logger)
	projectHandler := api.NewProjectHandler(repo)
	adminHandler := api.NewAdminHandler(chat, insights)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.NewOriginPolicy(cfg.AllowedOrigins)))

	// Public routes.
	healthHandler.RegisterRoutes(r)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	// WebSocket endpoints authenticate during the handshake.
	for _, path := range gw.Paths() {
		r.Get(path, gw.ServeHTTP)
	}

	// Authenticated REST routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(verifier))
		analyticsHandler.RegisterRoutes(r)
		projectHandler.RegisterRoutes(r)
	})
	adminHandler.RegisterRoutes(r, verifier)

	r.NotFound(gateway.NotFound)

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the managers close them.
	chat.Shutdown()
	insights.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := bus.Close(); err != nil {
		slog.Error("Failed to close backend transport", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// newTransport builds the backend transport selected by BACKEND_TRANSPORT.
func newTransport(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (backend.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return backend.NewWSTransport(cfg.URL, cfg.ReconnectDelay, logger), nil
	case config.TransportRedis:
		return backend.NewRedisTransport(ctx, backend.RedisConfig{
			URL:            cfg.RedisURL,
			RequestChannel: cfg.RedisRequestChannel,
			EventChannel:   cfg.RedisEventChannel,
			ReconnectDelay: cfg.ReconnectDelay,
		}, logger)
	case config.TransportGRPC:
		grpcCfg := backend.DefaultGRPCConfig(cfg.GRPCAddr)
		grpcCfg.ReconnectDelay = cfg.ReconnectDelay
		return backend.NewGRPCTransport(grpcCfg, logger)
	default:
		return nil, fmt.Errorf("unknown backend transport %q", cfg.Transport)
	}
}
