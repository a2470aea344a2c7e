package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantorhq/quantor/internal/cache"
	"github.com/quantorhq/quantor/internal/commands"
	"github.com/quantorhq/quantor/internal/engine"
	"github.com/quantorhq/quantor/internal/jobs"
	"github.com/quantorhq/quantor/internal/logging"
	"github.com/quantorhq/quantor/internal/pipeline"
	"github.com/quantorhq/quantor/internal/registry"
	"github.com/quantorhq/quantor/internal/scheduler"
	"github.com/quantorhq/quantor/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("quantor exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence is optional; a nil store keeps everything in memory.
	var st *store.LibSQLStore
	if cfg.Persist {
		if err := os.MkdirAll(quantorDir(), 0o755); err != nil {
			return err
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		st = s
		logger.Info("store ready", slog.String("db_path", cfg.DBPath))
	}

	resultCache := cache.New(cache.Config{
		Capacity: cfg.CacheCapacity,
		TTLs:     cfg.cacheTTLs(),
	})
	if st != nil {
		if entries, err := st.LoadCacheSnapshot(ctx); err != nil {
			logger.Warn("cache warm start failed", slog.String("error", err.Error()))
		} else if n := resultCache.Restore(entries); n > 0 {
			logger.Info("cache warmed from snapshot", slog.Int("entries", n))
		}
	}

	reg := registry.New()
	if err := commands.RegisterBuiltins(reg); err != nil {
		return err
	}

	var historySink engine.HistorySink
	var runSink pipeline.RunSink
	if st != nil {
		historySink = st
		runSink = st
	}

	eng := engine.New(reg, resultCache, engine.Config{
		MaxConcurrent:    cfg.PoolSize,
		ExecutionTimeout: duration(cfg.ExecutionTimeout),
		QueueTimeout:     duration(cfg.QueueTimeout),
		HistorySize:      cfg.HistorySize,
	}, logger, historySink)

	jobRegistry := jobs.NewRegistry(jobs.Config{
		Retention:    duration(cfg.JobRetention),
		ReapInterval: duration(cfg.ReapInterval),
	}, logger)
	if err := jobRegistry.Start(ctx); err != nil {
		return err
	}
	defer jobRegistry.Stop()

	manager, err := pipeline.NewManager(eng, jobRegistry, pipeline.Config{
		FanOut: cfg.BatchFanOut,
	}, logger, runSink)
	if err != nil {
		return err
	}

	var sched *scheduler.Scheduler
	if st != nil {
		sched = scheduler.NewScheduler(st, manager, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	logger.Info("quantor started",
		slog.Int("commands", reg.Count()),
		slog.Bool("persistence", st != nil),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Snapshot unexpired cache entries so the next start is warm.
	if st != nil {
		resultCache.Evict()
		if err := st.SaveCacheSnapshot(context.Background(), resultCache.Snapshot()); err != nil {
			logger.Warn("cache snapshot save failed", slog.String("error", err.Error()))
		}
	}
	return nil
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
