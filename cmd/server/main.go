// Component Forge terminal server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/forge-terminal/internal/agent"
	"github.com/ashureev/forge-terminal/internal/api"
	"github.com/ashureev/forge-terminal/internal/config"
	"github.com/ashureev/forge-terminal/internal/container"
	"github.com/ashureev/forge-terminal/internal/forge"
	"github.com/ashureev/forge-terminal/internal/identity"
	"github.com/ashureev/forge-terminal/internal/middleware"
	"github.com/ashureev/forge-terminal/internal/notify"
	"github.com/ashureev/forge-terminal/internal/store"
	"github.com/ashureev/forge-terminal/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	recorder, err := transcript.NewRecorder(transcript.RecorderConfig{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript recorder", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript recorder", "error", closeErr)
		}
	}()

	hub := notify.NewHub(cfg.SSE.QueueSize, logger)
	deps := forge.Deps{Repo: repo, Hub: hub, Recorder: recorder, Logger: logger}

	// REST collaborators: prompt fallback, validation and library.
	if cfg.Assistant.BaseURL != "" {
		rest := agent.NewHTTPClient(agent.HTTPClientConfig{
			BaseURL: cfg.Assistant.BaseURL,
			APIKey:  cfg.Assistant.APIKey,
			Timeout: cfg.Assistant.RequestTimeout,
		}, logger)
		deps.Executor = rest
		deps.Validator = rest
		deps.Library = rest
		slog.Info("Component backend configured", "base_url", cfg.Assistant.BaseURL)
	}

	// The gRPC assistant takes over prompt execution when reachable.
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.Assistant.GRPCAddr != "" {
		slog.Info("Attempting to connect to component assistant via gRPC", "address", cfg.Assistant.GRPCAddr)
		grpcClient, err := agent.NewGrpcClient(agent.GrpcClientConfig{
			Address:        cfg.Assistant.GRPCAddr,
			ConnectTimeout: cfg.Assistant.ConnectTimeout,
			RequestTimeout: cfg.Assistant.RequestTimeout,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to component assistant", "error", err, "rest_fallback", deps.Executor != nil)
		} else {
			defer grpcClient.Close()
			deps.Executor = grpcClient
			// Opening the panel requires a serving assistant.
			deps.Configured = grpcClient.Ping
		}
	}
	if deps.Executor == nil {
		slog.Info("Component assistant disabled (ASSISTANT_GRPC_ADDR and FORGE_BACKEND_URL not set or unreachable)")
	}

	//nolint:nestif // Sandbox wiring mirrors the assistant setup above.
	if cfg.Sandbox.Enabled && deps.Validator != nil {
		runner, err := container.NewDockerRunner(container.DockerConfig{
			Image:   cfg.Sandbox.Image,
			Runtime: cfg.Sandbox.Runtime,
			Timeout: cfg.Sandbox.Timeout,
		})
		if err != nil {
			slog.Error("Failed to initialize sandbox", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := runner.Close(); closeErr != nil {
				slog.Warn("Failed to close docker client", "error", closeErr)
			}
		}()
		if err := runner.Ping(context.Background()); err != nil {
			slog.Error("Docker daemon unreachable for sandbox", "error", err)
			os.Exit(1)
		}
		deps.Validator = container.NewSandboxValidator(runner, deps.Validator, logger)
		slog.Info("Sandbox validation enabled", "image", cfg.Sandbox.Image)
	}

	mgr := forge.NewManager(deps.NewSession, hub.Prune, logger)
	defer mgr.CloseAll()

	forgeHandler := api.NewForgeHandler(mgr, hub, cfg, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	forgeHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start TTL worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	forge.StartTTLWorker(ctx, mgr, repo, cfg.SessionTTL, cfg.SweepInterval)
	slog.Info("TTL worker started", "session_ttl", cfg.SessionTTL)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
