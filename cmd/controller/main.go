// Package main is the entry point for the srmjobs controller.
// The controller accepts submissions and answers status queries; it never
// executes jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"srmjobs/internal/config"
	"srmjobs/internal/controller"
	"srmjobs/internal/engine"
	"srmjobs/internal/job"
	"srmjobs/internal/logger"
	"srmjobs/internal/observability"
	"srmjobs/internal/requests"
	"srmjobs/internal/store"
	"srmjobs/internal/store/postgres"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(slog.Default(), "failed to load config", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	registry := store.NewRegistry()
	if err := requests.Register(registry); err != nil {
		fatal(log, "failed to register request types", err)
	}

	// The controller holds no leases and re-reads rows before answering, so
	// pending entities may age out of its identity map too.
	identity, err := store.NewIdentityMap(cfg.IdentityCacheSize, store.EvictActive())
	if err != nil {
		fatal(log, "failed to create identity map", err)
	}

	// Setup Database
	ctx := context.Background()
	db, err := postgres.New(ctx, cfg.DatabaseURL, registry,
		postgres.WithLogger(log),
		postgres.WithIdentityMap(identity),
	)
	if err != nil {
		fatal(log, "failed to connect to database", err)
	}
	defer db.Close()

	// Run migrations if requested
	if *migrateFlag {
		log.Info("running database migrations")
		if err := postgres.Migrate(db.DB()); err != nil {
			fatal(log, "migration failed", err)
		}
		log.Info("migrations completed")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "srmjobs-controller", cfg.OTELEndpoint)
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

	// Queue depth is read from the database only when scraped.
	err = observability.RegisterQueueDepth(otel.Meter("srmjobs-controller"),
		func(ctx context.Context) (int64, error) {
			return db.CountWork(ctx, job.StateQueued)
		}, log)
	if err != nil {
		log.Warn("failed to register queue depth metric", "error", err)
	}

	eng := engine.New(db, registry,
		engine.WithLogger(log),
		engine.WithMetrics(metrics.Jobs),
		engine.WithLeaseTimeout(cfg.LeaseTimeout),
	)

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := controller.New(addr, eng, controller.Options{
		RateLimit:      cfg.RequestRateLimit,
		MetricsHandler: metrics.Handler,
		Logger:         log,
	})

	go func() {
		log.Info("controller starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			log.Error("server stopped", "error", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down controller")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		return
	}
	log.Info("server exited properly")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
