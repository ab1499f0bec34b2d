package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emanders/ecrnow/internal/api"
	"github.com/emanders/ecrnow/internal/eca"
	"github.com/emanders/ecrnow/internal/ehr"
	"github.com/emanders/ecrnow/internal/expressions"
	"github.com/emanders/ecrnow/internal/logging"
	"github.com/emanders/ecrnow/internal/plan"
	"github.com/emanders/ecrnow/internal/report"
	"github.com/emanders/ecrnow/internal/scheduler"
	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/internal/trigger"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return err
	}
	registry, err := plan.Load(cfg.PlanPath, evaluator)
	if err != nil {
		return err
	}
	logger.Info("reporting plan loaded",
		slog.String("plan", registry.Plan().Name),
		slog.Int("actions", len(registry.All())))

	validator, err := report.NewValidator()
	if err != nil {
		return err
	}

	fetcher := ehr.NewQueryService(ehr.QueryServiceConfig{
		Queries:  cfg.FHIRQueries,
		Lookback: time.Duration(cfg.LookbackHours) * time.Hour,
	}, logger)

	sched := scheduler.NewScheduler(st, nil, cfg.pollInterval(), logger)
	engine := eca.NewEngine(
		registry,
		st,
		sched,
		fetcher,
		report.NewEicrBuilder(logger),
		validator,
		report.NewLogSubmitter(logger),
		trigger.NewMatcher(logger),
		evaluator,
		logger,
	)
	sched.SetRunner(engine)

	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	server := api.NewServer(st, registry, engine, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
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
