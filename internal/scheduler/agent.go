// Package scheduler runs claimed jobs: a pull loop that polls the engine for
// work, executes it under a renewed lease and reports the outcome, and a
// sweeper that expires jobs and finalizes containers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"srmjobs/internal/engine"
	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

// Engine is the part of engine.Engine the agent drives.
type Engine interface {
	Poll(ctx context.Context, schedulerID string, limit int) ([]job.Entity, error)
	Report(ctx context.Context, ent job.Entity, schedulerID string, outcome engine.Outcome, reason string) error
	Renew(ctx context.Context, ent job.Entity, schedulerID string) error
	Restore(ctx context.Context, schedulerID string) (int, error)
}

var _ Engine = (*engine.Engine)(nil)

// AgentConfig holds configuration for the scheduler agent.
type AgentConfig struct {
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	MaxBackoff        time.Duration // Maximum poll interval while nothing is claimable (default: 30s)
	HeartbeatInterval time.Duration // Interval between lease renewals (default: 1m)
	ExecTimeout       time.Duration // Upper bound for one execution (default: 30m)
	Logger            *slog.Logger
}

// Agent claims jobs for one scheduler id and runs them with bounded
// concurrency.
type Agent struct {
	engine   Engine
	executor Executor
	config   AgentConfig
	logger   *slog.Logger
	done     chan struct{}
}

func New(e Engine, x Executor, config AgentConfig) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 1 * time.Minute
	}

	if config.ExecTimeout <= 0 {
		config.ExecTimeout = 30 * time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		engine:   e,
		executor: x,
		config:   config,
		logger:   logger.With("scheduler_id", config.ID),
		done:     make(chan struct{}),
	}
}

func (a *Agent) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.config.PollInterval
	b.MaxInterval = a.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Run releases the leases a previous run left behind, then starts the pull
// loop. It blocks until the context is canceled; in-flight jobs are allowed
// to finish before it returns.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "scheduler starting", "concurrency", a.config.Concurrency)

	if _, err := a.engine.Restore(ctx, a.config.ID); err != nil {
		a.logger.ErrorContext(ctx, "restore failed", "error", err)
	}

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	pollNow := make(chan struct{}, 1)

	idle := a.newBackOff()
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context canceled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			claimed, err := a.engine.Poll(ctx, a.config.ID, availableSlots)
			if err != nil {
				a.logger.ErrorContext(ctx, "poll failed", "error", err)
				currentBackoff = idle.NextBackOff()
				continue
			}

			if len(claimed) == 0 {
				currentBackoff = idle.NextBackOff()
				continue
			}

			idle.Reset()
			currentBackoff = a.config.PollInterval

			a.logger.DebugContext(ctx, "claimed jobs", "count", len(claimed))

			for _, ent := range claimed {
				sem <- struct{}{}

				wg.Add(1)
				go func(ent job.Entity) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processJob(ctx, ent)
				}(ent)
			}

			if len(claimed) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processJob executes one claimed job and reports the outcome. Reporting
// uses a fresh context so a job that finished during shutdown is still
// recorded.
func (a *Agent) processJob(ctx context.Context, ent job.Entity) {
	j := ent.Base()
	log := a.logger.With("job_id", j.ID(), "type", ent.TypeName(), "kind", ent.Kind().String())

	tracer := otel.Tracer("srm-scheduler")
	spanCtx, span := tracer.Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.Int64("job.id", j.ID()),
			attribute.String("job.type", ent.TypeName()),
			attribute.String("job.kind", ent.Kind().String()),
			attribute.String("scheduler.id", a.config.ID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), a.config.ExecTimeout)
	defer cancel()

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go a.runHeartbeat(heartbeatCtx, ent, cancel, log)

	log.InfoContext(spanCtx, "executing job")
	err := a.executor.Execute(execCtx, ent)
	stopHeartbeat()

	// The job may have been canceled or taken over while the executor ran.
	holder, _ := j.Lease()
	if st := j.State(); st.IsTerminal() || holder != a.config.ID {
		log.InfoContext(spanCtx, "job changed while running, dropping result", "state", st, "lease_holder", holder)
		span.SetAttributes(attribute.Bool("job.dropped", true))
		return
	}

	outcome, reason := engine.OutcomeDone, ""
	switch {
	case err == nil:
	case IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		outcome, reason = engine.OutcomeRetry, err.Error()
	default:
		outcome, reason = engine.OutcomeFail, err.Error()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.String("job.outcome", outcome.String()))

	if rerr := a.engine.Report(context.Background(), ent, a.config.ID, outcome, reason); rerr != nil {
		if errors.Is(rerr, store.ErrLeaseLost) || errors.Is(rerr, job.ErrIllegalStateTransition) {
			log.InfoContext(spanCtx, "outcome discarded", "outcome", outcome.String(), "error", rerr)
			return
		}
		log.ErrorContext(spanCtx, "failed to report outcome", "outcome", outcome.String(), "error", rerr)
		return
	}
	log.InfoContext(spanCtx, "job finished", "outcome", outcome.String(), "state", j.State())
}

// runHeartbeat renews the lease while the job executes. Losing the lease
// cancels the execution.
func (a *Agent) runHeartbeat(ctx context.Context, ent job.Entity, cancelExec context.CancelFunc, log *slog.Logger) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.engine.Renew(ctx, ent, a.config.ID)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrLeaseLost), errors.Is(err, store.ErrNotFound):
				log.Warn("lease lost, stopping execution", "error", err)
				cancelExec()
				return
			default:
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
