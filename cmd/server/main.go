// sandpool - pooled sandbox terminal server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/akarpov/sandpool/internal/api"
	"github.com/akarpov/sandpool/internal/config"
	"github.com/akarpov/sandpool/internal/identity"
	"github.com/akarpov/sandpool/internal/middleware"
	"github.com/akarpov/sandpool/internal/monitor"
	"github.com/akarpov/sandpool/internal/pool"
	"github.com/akarpov/sandpool/internal/relay"
	"github.com/akarpov/sandpool/internal/runtime"
	"github.com/akarpov/sandpool/internal/session"
	"github.com/akarpov/sandpool/internal/store"
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

	rt, err := runtime.NewDockerRuntime(cfg.SandboxHost)
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Container runtime initialized")

	networkID, err := rt.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	// Initialize services.
	p := pool.New(rt, cfg.Pool)
	sessionManager := session.NewManager(repo, p, rt, cfg.Session)

	// Reconcile sessions left over from a previous process run before
	// accepting any traffic.
	if err := sessionManager.Reconcile(context.Background()); err != nil {
		slog.Error("Session reconciliation failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pre-warm the pool in the background so startup is not gated on
	// container provisioning.
	go p.Warmup(ctx, cfg.Pool.DefaultType, cfg.Pool.MinPoolSize)
	p.StartMaintenance(ctx, cfg.Pool.MaintainInterval)
	sessionManager.StartSweeper(ctx)

	mon := monitor.New(rt, p, sessionManager, repo, cfg.Monitor)
	mon.Start(ctx)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, rt, p, sessionManager, mon)
	healthHandler := api.NewHealthHandler(repo, rt)
	containerHandler := api.NewContainerHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler)
	relayHandler := relay.NewHandler(sessionManager, p, repo, cfg.FrontendURL, cfg.IsDevelopment(), cfg.SSHTimeout)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	containerHandler.RegisterRoutes(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/terminal", relayHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// WebSocket relays are long-lived; no write timeout.
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Drain the pool after the HTTP surface is down so no new leases race
	// the teardown.
	p.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
}
