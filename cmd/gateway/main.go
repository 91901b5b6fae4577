// Command gateway runs the messaging-platform-to-agent bridge: it wires the
// binding store, workspace provisioner, worker pool, turn orchestrator,
// Telegram adapter, and ambient admin HTTP surface, then serves until a
// shutdown signal arrives.
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

	"github.com/joho/godotenv"

	"github.com/mmikhailov/agentrelay/internal/acl"
	"github.com/mmikhailov/agentrelay/internal/adminapi"
	"github.com/mmikhailov/agentrelay/internal/binding"
	"github.com/mmikhailov/agentrelay/internal/config"
	"github.com/mmikhailov/agentrelay/internal/convlog"
	"github.com/mmikhailov/agentrelay/internal/driver"
	"github.com/mmikhailov/agentrelay/internal/orchestrator"
	"github.com/mmikhailov/agentrelay/internal/platform"
	"github.com/mmikhailov/agentrelay/internal/pool"
	"github.com/mmikhailov/agentrelay/internal/router"
	"github.com/mmikhailov/agentrelay/internal/workspace"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}
	slog.Info("starting gateway", "agent", cfg.Agent.Name, "max_workers", cfg.Pool.MaxWorkers)

	bindings, err := binding.NewSQLite(cfg.Binding.DBPath)
	if err != nil {
		slog.Error("failed to open binding store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := bindings.Close(); cerr != nil {
			slog.Error("failed to close binding store", "error", cerr)
		}
	}()

	if err := bindings.Ping(context.Background()); err != nil {
		slog.Error("binding store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("binding store connected", "path", cfg.Binding.DBPath)

	purged, err := bindings.DeleteStaleWorkspaces(context.Background(), cfg.Workspace.BasePath)
	if err != nil {
		slog.Error("failed to purge stale workspace bindings", "error", err)
		os.Exit(1)
	}
	slog.Info("legacy workspace binding cleanup complete", "bindings_purged", purged)

	ws, err := workspace.New(cfg.Workspace.BasePath)
	if err != nil {
		slog.Error("failed to initialize workspace provisioner", "error", err)
		os.Exit(1)
	}

	convLogger, err := convlog.New(convlog.Config{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := convLogger.Close(); cerr != nil {
			slog.Error("failed to close conversation logger", "error", cerr)
		}
	}()

	allowlist := acl.NewList(cfg.ACL.AllowedUserIDs)
	limiter := acl.NewRateLimiter(cfg.ACL.RateLimitCount, cfg.ACL.RateLimitWindow)

	adapter := platform.NewTelegramClient(cfg.Platform.BotToken, logger)

	queue := router.NewPendingQueue()
	inflight := router.NewInFlightTracker()

	spawn := func(ctx context.Context) (*driver.Driver, error) {
		d, err := driver.Spawn(cfg.Agent.BinaryPath, []string{"--config", cfg.Agent.ConfigPath}, cfg.Workspace.BasePath, logger)
		if err != nil {
			return nil, err
		}
		if err := d.Initialize(ctx); err != nil {
			_ = d.Close()
			return nil, err
		}
		return d, nil
	}

	workerPool, err := pool.NewPool(context.Background(), cfg.Pool.MaxWorkers, cfg.Pool.IdleTimeout, spawn, queue, inflight, logger)
	if err != nil {
		slog.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}
	defer workerPool.Shutdown()
	slog.Info("worker pool started with one warm worker")

	orch := orchestrator.New(workerPool, queue, inflight, bindings, ws, adapter, allowlist, limiter, convLogger, logger)
	workerPool.SetDispatcher(orch)

	admin := adminapi.New(bindings, workerPool, inflight, queue, logger)
	adminSrv := &http.Server{
		Addr:         cfg.Admin.ListenAddr,
		Handler:      admin.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("admin HTTP surface listening", "addr", adminSrv.Addr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin HTTP surface failed", "error", err)
		}
	}()

	go func() {
		if err := adapter.Run(ctx); err != nil {
			slog.Error("telegram adapter stopped with error", "error", err)
		}
	}()

	go dispatchUpdates(ctx, adapter, orch)

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin HTTP surface forced to shutdown", "error", err)
	}

	slog.Info("gateway stopped")
}

// dispatchUpdates runs one Orchestrator.Handle goroutine per inbound update,
// so a slow turn on one thread never blocks new updates on other threads
// from being accepted into the pool/queue.
func dispatchUpdates(ctx context.Context, adapter platform.Adapter, orch *orchestrator.Orchestrator) {
	for upd := range adapter.Updates() {
		upd := upd
		go orch.Handle(ctx, upd)
	}
}
