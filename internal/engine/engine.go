// Package engine exposes the submission, query and scheduler interfaces on
// top of a store.JobStore.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

const DefaultLeaseTimeout = 5 * time.Minute

// Metrics receives engine events. The observability package provides the
// OpenTelemetry implementation.
type Metrics interface {
	Transition(ctx context.Context, typeName string, from, to job.State)
	Claimed(ctx context.Context, typeName string, kind job.Kind)
	LeaseLost(ctx context.Context, typeName string)
	Expired(ctx context.Context, typeName string)
}

type nopMetrics struct{}

func (nopMetrics) Transition(context.Context, string, job.State, job.State) {}
func (nopMetrics) Claimed(context.Context, string, job.Kind)                {}
func (nopMetrics) LeaseLost(context.Context, string)                        {}
func (nopMetrics) Expired(context.Context, string)                          {}

// Engine applies the job state machine and persists every transition.
type Engine struct {
	store        store.JobStore
	registry     *store.Registry
	now          func() time.Time
	logger       *slog.Logger
	metrics      Metrics
	leaseTimeout time.Duration
	sweepBatch   int
}

type Option func(*Engine)

func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLeaseTimeout sets how old a lease must be before another scheduler may
// take the job over.
func WithLeaseTimeout(d time.Duration) Option {
	return func(e *Engine) { e.leaseTimeout = d }
}

// WithSweepBatch bounds how many jobs one sweep pass handles per category.
func WithSweepBatch(n int) Option {
	return func(e *Engine) { e.sweepBatch = n }
}

func New(s store.JobStore, registry *store.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		registry:     registry,
		now:          time.Now,
		logger:       slog.Default(),
		metrics:      nopMetrics{},
		leaseTimeout: DefaultLeaseTimeout,
		sweepBatch:   500,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) LeaseTimeout() time.Duration { return e.leaseTimeout }

func (e *Engine) Registry() *store.Registry { return e.registry }

// Ping reports whether the backing store is reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// Submission is a request to create. Files must be set for container types
// and left empty otherwise.
type Submission struct {
	job.RequestParams
	Files []job.FileParams
}

// Submit validates and persists a new request in state QUEUED. Nothing is
// written when validation fails.
func (e *Engine) Submit(ctx context.Context, sub Submission) (job.Entity, error) {
	t, err := e.registry.Lookup(sub.Type)
	if err != nil {
		return nil, err
	}
	if err := checkAttrs(t.Name, t.RequestAttrs, sub.Attrs); err != nil {
		return nil, err
	}

	var base job.Entity
	if t.Container {
		for i, f := range sub.Files {
			if err := checkAttrs(t.Name, t.FileAttrs, f.Attrs); err != nil {
				return nil, fmt.Errorf("file %d: %w", i, err)
			}
		}
		c, err := job.NewContainerRequest(sub.RequestParams, sub.Files, e.now)
		if err != nil {
			return nil, err
		}
		for _, f := range c.FileRequests() {
			if err := f.SetState(job.StateQueued, ""); err != nil {
				return nil, err
			}
		}
		base = c
	} else {
		if len(sub.Files) > 0 {
			return nil, fmt.Errorf("%w: %s requests take no file requests", job.ErrInvalidParams, t.Name)
		}
		r, err := job.NewRequest(sub.RequestParams, e.now)
		if err != nil {
			return nil, err
		}
		base = r
	}
	if err := base.Base().SetState(job.StateQueued, ""); err != nil {
		return nil, err
	}

	ent, err := t.Finish(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", job.ErrInvalidParams, err)
	}
	if err := e.store.Insert(ctx, ent); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "request submitted",
		"job_id", ent.Base().ID(), "type", t.Name, "owner", sub.Owner.Name)
	return ent, nil
}

func checkAttrs(typeName string, allowed []string, attrs job.Attrs) error {
	for k := range attrs {
		found := false
		for _, a := range allowed {
			if a == k {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s requests have no attribute %q", job.ErrInvalidParams, typeName, k)
		}
	}
	return nil
}

// Get returns the canonical instance for id as currently stored.
func (e *Engine) Get(ctx context.Context, id int64) (job.Entity, error) {
	return e.store.Fetch(ctx, id)
}

// List returns ids of requests matching f.
func (e *Engine) List(ctx context.Context, f store.ListFilter) ([]int64, error) {
	return e.store.List(ctx, f)
}

type aggregatable interface {
	Aggregate(job.Aggregator) job.Aggregate
}

// AggregateOf derives a container's status from its children using the
// policy registered for its type. ok is false for non-containers.
func (e *Engine) AggregateOf(ent job.Entity) (agg job.Aggregate, ok bool) {
	c, ok := ent.(aggregatable)
	if !ok {
		return job.AggregatePending, false
	}
	var policy job.Aggregator
	if t, err := e.registry.Lookup(ent.TypeName()); err == nil {
		policy = t.Aggregator
	}
	return c.Aggregate(policy), true
}

// Cancel moves a job to CANCELED. It is allowed while another scheduler holds
// the lease; that scheduler notices on its next write. Canceling a container
// cancels its non-terminal children first.
func (e *Engine) Cancel(ctx context.Context, id int64, reason string) (job.Entity, error) {
	ent, err := e.store.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "canceled"
	}
	if c, ok := ent.(job.Composite); ok {
		for _, child := range c.FileRequests() {
			if child.State().IsTerminal() {
				continue
			}
			if err := e.transition(ctx, child, "", job.StateCanceled, reason); err != nil && !isRace(err) {
				return nil, fmt.Errorf("cancel file request %d: %w", child.ID(), err)
			}
		}
	}
	if err := e.transition(ctx, ent, "", job.StateCanceled, reason); err != nil {
		return nil, err
	}
	return ent, nil
}

// isRace reports errors caused by a concurrent writer getting there first.
func isRace(err error) bool {
	return errors.Is(err, store.ErrLeaseLost) || errors.Is(err, job.ErrIllegalStateTransition)
}

// transition applies one edge and persists it, owner-checked when owner is
// set.
func (e *Engine) transition(ctx context.Context, ent job.Entity, owner string, to job.State, reason string) error {
	return e.walk(ctx, ent, owner, []job.State{to}, reason)
}

// walk applies a sequence of edges in memory, then persists the result in a
// single write. When the write fails for any reason other than a lost lease
// the instance is re-read from storage; if that fails too the previous
// attributes are put back, unless something else changed the instance since.
func (e *Engine) walk(ctx context.Context, ent job.Entity, owner string, path []job.State, reason string) error {
	j := ent.Base()
	j.BeginWrite()
	prev := j.Record()
	applied := j.Version()
	for _, to := range path {
		if err := j.SetState(to, reason); err != nil {
			j.EndWrite()
			j.Sync(applied, prev)
			return err
		}
		applied = j.Version()
	}

	var err error
	if owner != "" {
		err = e.store.UpdateOwned(ctx, ent, owner)
	} else {
		err = e.store.Update(ctx, ent)
	}
	j.EndWrite()

	switch {
	case errors.Is(err, store.ErrLeaseLost):
		e.metrics.LeaseLost(ctx, ent.TypeName())
		e.logger.InfoContext(ctx, "write lost to a concurrent writer",
			"job_id", j.ID(), "type", ent.TypeName(), "scheduler_id", owner, "state", j.State())
		return err
	case err != nil:
		if rerr := e.store.Reload(ctx, ent); rerr != nil {
			j.Sync(applied, prev)
		}
		return err
	}

	e.metrics.Transition(ctx, ent.TypeName(), prev.State, j.State())
	return nil
}

// pathTo lists the edges leading from a non-terminal state to target.
// Every state can fail or be canceled directly; DONE and RUNNING are only
// reachable through QUEUED.
func pathTo(from, target job.State) []job.State {
	if target == job.StateFailed || target == job.StateCanceled {
		return []job.State{target}
	}
	var path []job.State
	switch from {
	case job.StateNew, job.StateRetryWait, job.StateRestored:
		path = append(path, job.StateQueued, job.StateRunning)
	case job.StateQueued:
		path = append(path, job.StateRunning)
	}
	if target != job.StateRunning {
		path = append(path, target)
	}
	return path
}
