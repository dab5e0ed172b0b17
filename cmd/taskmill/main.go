package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/taskmill/taskmill/internal/engine"
	"github.com/taskmill/taskmill/internal/logging"
	"github.com/taskmill/taskmill/internal/schedule"
	"github.com/taskmill/taskmill/internal/store"
	"github.com/taskmill/taskmill/internal/tools"
	"github.com/taskmill/taskmill/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskmill:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.HTTPConfig{}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	eng, err := engine.New(st, registry, engine.Options{
		StepTimeout: cfg.StepTimeout(),
		MaxRetries:  cfg.MaxRetries,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if cfg.Scheduler {
		sched := schedule.NewScheduler(st, eng, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-run recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewTaskmillServer(mcp.TaskmillServerDeps{
		Engine:   eng,
		Store:    st,
		Registry: registry,
		Logger:   logger,
	})

	logger.Info("taskmill serving on stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

// newLogger builds the stderr slog logger with correlation IDs injected from
// context. Stdout is reserved for the MCP transport.
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
