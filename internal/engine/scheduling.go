package engine

import (
	"context"
	"errors"
	"fmt"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

// Outcome is what a scheduler reports after working on a job.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeRetry
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

func (o Outcome) target() job.State {
	switch o {
	case OutcomeRetry:
		return job.StateRetryWait
	case OutcomeFail:
		return job.StateFailed
	}
	return job.StateDone
}

// Poll claims up to limit jobs for schedulerID and moves each to RUNNING.
// Jobs found RUNNING under a stale lease are resumed as they are. Jobs whose
// write is lost to another scheduler are dropped from the result.
func (e *Engine) Poll(ctx context.Context, schedulerID string, limit int) ([]job.Entity, error) {
	claimed, err := e.store.Claim(ctx, schedulerID, limit, e.leaseTimeout)
	if err != nil && len(claimed) == 0 {
		return nil, err
	}
	if err != nil {
		e.logger.WarnContext(ctx, "claim partially failed", "scheduler_id", schedulerID, "error", err)
	}

	running := make([]job.Entity, 0, len(claimed))
	for _, ent := range claimed {
		j := ent.Base()
		log := e.logger.With("job_id", j.ID(), "type", ent.TypeName(), "scheduler_id", schedulerID)
		e.metrics.Claimed(ctx, ent.TypeName(), ent.Kind())

		if f, ok := ent.(*job.FileRequest); ok {
			if abandon := e.startContainer(ctx, f, schedulerID); abandon {
				continue
			}
		}

		from := j.State()
		if from == job.StateRunning {
			log.InfoContext(ctx, "resuming job after stale lease")
			running = append(running, ent)
			continue
		}
		if err := e.walk(ctx, ent, schedulerID, pathTo(from, job.StateRunning), ""); err != nil {
			if !isRace(err) {
				log.ErrorContext(ctx, "failed to start claimed job", "error", err)
			}
			continue
		}
		running = append(running, ent)
	}
	return running, nil
}

// startContainer moves the parent of a claimed file request to RUNNING. It
// returns true when the parent is already terminal, in which case the child
// is canceled and must not run.
func (e *Engine) startContainer(ctx context.Context, f *job.FileRequest, schedulerID string) bool {
	parent, err := e.store.Fetch(ctx, f.RequestID())
	if err != nil {
		e.logger.WarnContext(ctx, "cannot load container of claimed file request",
			"job_id", f.ID(), "request_id", f.RequestID(), "error", err)
		return false
	}
	pj := parent.Base()
	switch st := pj.State(); {
	case st.IsTerminal():
		reason := fmt.Sprintf("container %d is %s", pj.ID(), st)
		if err := e.transition(ctx, f, schedulerID, job.StateCanceled, reason); err != nil && !isRace(err) {
			e.logger.ErrorContext(ctx, "failed to cancel orphaned file request", "job_id", f.ID(), "error", err)
		}
		return true
	case st == job.StateRunning:
		return false
	default:
		if err := e.walk(ctx, parent, "", pathTo(st, job.StateRunning), ""); err != nil && !isRace(err) {
			e.logger.WarnContext(ctx, "failed to start container", "job_id", pj.ID(), "error", err)
		}
		return false
	}
}

// Report applies the outcome of a run. A retry past maxNumberOfRetries ends
// in FAILED. When the job was canceled or taken over meanwhile the error
// wraps job.ErrIllegalStateTransition or store.ErrLeaseLost and the caller
// must drop its work.
func (e *Engine) Report(ctx context.Context, ent job.Entity, schedulerID string, outcome Outcome, reason string) error {
	j := ent.Base()
	if err := e.transition(ctx, ent, schedulerID, outcome.target(), reason); err != nil {
		return fmt.Errorf("report %s for job %d: %w", outcome, j.ID(), err)
	}
	if outcome == OutcomeRetry && j.State() == job.StateFailed {
		e.logger.WarnContext(ctx, "retries exhausted",
			"job_id", j.ID(), "type", ent.TypeName(), "retries", j.NumberOfRetries(), "error", j.ErrorMessage())
	}
	return nil
}

// Renew keeps the lease of a long-running job fresh.
func (e *Engine) Renew(ctx context.Context, ent job.Entity, schedulerID string) error {
	err := e.store.RenewLease(ctx, ent.Base().ID(), schedulerID)
	if errors.Is(err, store.ErrLeaseLost) {
		e.metrics.LeaseLost(ctx, ent.TypeName())
	}
	return err
}

// Restore releases the jobs a previous run under schedulerID left leased,
// so they can be claimed again. Call once at startup.
func (e *Engine) Restore(ctx context.Context, schedulerID string) (int, error) {
	ids, err := e.store.Restore(ctx, schedulerID)
	if len(ids) > 0 {
		e.logger.InfoContext(ctx, "restored jobs left over from a previous run",
			"scheduler_id", schedulerID, "count", len(ids))
	}
	return len(ids), err
}

// SweepResult counts what one sweep pass changed.
type SweepResult struct {
	Expired   int
	Finalized int
}

// Sweep fails every non-terminal job past its lifetime and finalizes
// containers whose children all reached a terminal state.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	expired, err := e.store.Expired(ctx, e.sweepBatch)
	if err != nil {
		return res, fmt.Errorf("find expired jobs: %w", err)
	}
	now := e.now()
	for _, id := range expired {
		ent, err := e.store.Fetch(ctx, id)
		if err != nil {
			e.logger.WarnContext(ctx, "cannot load expired job", "job_id", id, "error", err)
			continue
		}
		j := ent.Base()
		if j.State().IsTerminal() || !j.IsExpired(now) {
			continue
		}
		if err := e.transition(ctx, ent, "", job.StateFailed, "lifetime expired"); err != nil {
			if !isRace(err) {
				e.logger.WarnContext(ctx, "cannot expire job", "job_id", id, "error", err)
			}
			continue
		}
		e.metrics.Expired(ctx, ent.TypeName())
		res.Expired++
	}

	settled, err := e.store.SettledContainers(ctx, e.sweepBatch)
	if err != nil {
		return res, fmt.Errorf("find settled containers: %w", err)
	}
	for _, id := range settled {
		ent, err := e.store.Fetch(ctx, id)
		if err != nil {
			e.logger.WarnContext(ctx, "cannot load container", "job_id", id, "error", err)
			continue
		}
		ok, err := e.finalize(ctx, ent)
		if err != nil {
			e.logger.WarnContext(ctx, "cannot finalize container", "job_id", id, "error", err)
			continue
		}
		if ok {
			res.Finalized++
		}
	}

	if res.Expired > 0 || res.Finalized > 0 {
		e.logger.InfoContext(ctx, "sweep finished", "expired", res.Expired, "finalized", res.Finalized)
	}
	return res, nil
}

// finalize moves a container to the terminal state implied by its children.
func (e *Engine) finalize(ctx context.Context, ent job.Entity) (bool, error) {
	j := ent.Base()
	if j.State().IsTerminal() {
		return false, nil
	}
	agg, ok := e.AggregateOf(ent)
	if !ok {
		return false, nil
	}
	target, ok := agg.TerminalState()
	if !ok {
		return false, nil
	}
	reason := ""
	if target != job.StateDone {
		reason = "file requests " + agg.String()
	}
	if err := e.walk(ctx, ent, "", pathTo(j.State(), target), reason); err != nil {
		if isRace(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
