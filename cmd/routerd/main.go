package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"

	"taskrouter/internal/adapter/notify"
	"taskrouter/internal/adapter/store"
	"taskrouter/internal/domain"
	"taskrouter/internal/infra/config"
	"taskrouter/internal/infra/logger"
	"taskrouter/internal/infra/tracer"
	"taskrouter/internal/usecase/registry"
	"taskrouter/internal/usecase/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Storage
	if dir := filepath.Dir(cfg.Storage.Path); dir != "" && cfg.Storage.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage dir: %w", err)
		}
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// 4. Core services
	reg := registry.New(db.Workers, db.Metrics, log)

	var notifier domain.Notifier
	if cfg.Notifier.Enabled {
		notifier = notify.New(cfg.Notifier, log)
	}
	rt := router.New(db.Tasks, db.Decisions, reg, notifier, log)

	// 5. Maintenance sweeps
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Maintenance.RoutePendingSchedule, func() {
		if _, err := rt.RoutePending(context.Background()); err != nil {
			log.Error("route pending sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule route pending: %w", err)
	}
	if _, err := sched.AddFunc(cfg.Maintenance.CheckTimeoutsSchedule, func() {
		if _, err := rt.CheckTimeouts(context.Background()); err != nil {
			log.Error("timeout sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule timeout check: %w", err)
	}
	sched.Start()

	log.Info("taskrouter started",
		"storage", cfg.Storage.Path,
		"route_pending", cfg.Maintenance.RoutePendingSchedule,
		"check_timeouts", cfg.Maintenance.CheckTimeoutsSchedule,
		"notifier", cfg.Notifier.Enabled,
	)

	// 6. Wait for shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())

	stopCtx := sched.Stop()
	<-stopCtx.Done()
	return nil
}
