// Package main is the entry point for the srmjobs scheduler.
// The scheduler claims jobs from the database, runs them under a renewed
// lease and sweeps expired jobs. Any number of schedulers may share a
// database; each needs its own scheduler id.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"srmjobs/internal/config"
	"srmjobs/internal/engine"
	"srmjobs/internal/logger"
	"srmjobs/internal/observability"
	"srmjobs/internal/requests"
	"srmjobs/internal/scheduler"
	"srmjobs/internal/store"
	"srmjobs/internal/store/postgres"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(slog.Default(), "failed to load config", err)
	}
	log := logger.New(cfg.LogLevel).With("scheduler_id", cfg.SchedulerID)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := store.NewRegistry()
	if err := requests.Register(registry); err != nil {
		fatal(log, "failed to register request types", err)
	}
	identity, err := store.NewIdentityMap(cfg.IdentityCacheSize)
	if err != nil {
		fatal(log, "failed to create identity map", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL, registry,
		postgres.WithLogger(log),
		postgres.WithIdentityMap(identity),
	)
	if err != nil {
		fatal(log, "failed to connect to database", err)
	}
	defer db.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "srmjobs-scheduler", cfg.OTELEndpoint)
	if err != nil {
		fatal(log, "failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		fatal(log, "failed to init metrics", err)
	}
	defer func() {
		if err := metrics.Shutdown(context.Background()); err != nil {
			log.Error("failed to shutdown metrics", "error", err)
		}
	}()

	eng := engine.New(db, registry,
		engine.WithLogger(log),
		engine.WithMetrics(metrics.Jobs),
		engine.WithLeaseTimeout(cfg.LeaseTimeout),
	)

	agent := scheduler.New(eng, requests.NewDispatcher(log), scheduler.AgentConfig{
		ID:                cfg.SchedulerID,
		Concurrency:       cfg.SchedulerConcurrency,
		PollInterval:      cfg.PollInterval,
		MaxBackoff:        cfg.MaxPollBackoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            log,
	})

	lock, err := scheduler.NewAdvisoryLock(ctx, db.DB(), scheduler.SweepLockID)
	if err != nil {
		fatal(log, "failed to create sweep lock", err)
	}
	sweeper := scheduler.NewSweeper(eng, lock, cfg.SweepInterval, log)

	go agent.Run(ctx)

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := sweeper.Run(ctx); err != nil {
			log.Error("sweeper stopped", "error", err)
		}
	}()

	// Dedicated metrics listener
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Info("scheduler metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down scheduler")
	cancel()

	<-agent.Done()
	<-sweepDone
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
