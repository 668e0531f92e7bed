package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskdeck/workflow/internal/acl"
	"github.com/taskdeck/workflow/internal/engine"
	"github.com/taskdeck/workflow/internal/logging"
	"github.com/taskdeck/workflow/internal/scheduler"
	"github.com/taskdeck/workflow/internal/store"
	"github.com/taskdeck/workflow/pkg/mcp"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("engine exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var checker acl.Checker = acl.AllowAll{}
	if cfg.EnforceACL {
		checker = acl.NewStoreChecker(st)
	}

	supervisor, err := engine.NewSupervisor(engine.Options{
		Store:    st,
		Executor: &engine.DryRunExecutor{Root: cfg.ArtifactDir},
		ACL:      checker,
		Logger:   logger,
		PoolSize: cfg.PoolSize,
	})
	if err != nil {
		return err
	}

	var planner mcp.CronPlanner
	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, supervisor, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
		planner = sched
	}

	srv, err := mcp.NewEngineServer(mcp.ServerDeps{
		Supervisor: supervisor,
		Store:      st,
		Schedules:  planner,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("engine started",
		slog.String("db", cfg.DBPath),
		slog.Bool("acl", cfg.EnforceACL),
		slog.Bool("scheduler", cfg.Scheduler),
	)
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
