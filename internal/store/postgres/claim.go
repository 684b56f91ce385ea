package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

// claimableSQL selects rows a scheduler may lease at $2 when leases older
// than $3 count as stale. RETRYWAIT rows wait out their retry delay.
var claimableSQL = fmt.Sprintf(`state IN (%d, %d, %d, %d)
		AND (state <> %d OR last_state_transition_time + retry_delta_ms * INTERVAL '1 millisecond' <= $2)
		AND (scheduler_id IS NULL OR scheduler_timestamp IS NULL OR scheduler_timestamp < $3)`,
	job.StateQueued, job.StateRunning, job.StateRetryWait, job.StateRestored, job.StateRetryWait)

// Claim leases up to limit work items across all registered types. Each
// table is claimed with a single conditional UPDATE, so two schedulers racing
// for the same row cannot both get it: the inner SELECT skips rows another
// transaction has locked and the outer WHERE re-checks the lease.
func (s *Store) Claim(ctx context.Context, schedulerID string, limit int, leaseTimeout time.Duration) ([]job.Entity, error) {
	if schedulerID == "" {
		return nil, fmt.Errorf("claim: empty scheduler id")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	staleBefore := now.Add(-leaseTimeout)

	var claimed []job.Entity
	for _, t := range s.registry.Types() {
		remaining := limit - len(claimed)
		if remaining <= 0 {
			break
		}
		got, err := s.claimFrom(ctx, t, schedulerID, now, staleBefore, remaining)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, got...)
	}
	return claimed, nil
}

func (s *Store) claimFrom(ctx context.Context, t *store.RequestType, schedulerID string, now, staleBefore time.Time, limit int) ([]job.Entity, error) {
	table := t.WorkTable()
	cols := requestColumns(t)
	if t.Container {
		cols = fileColumns(t)
	}
	query := fmt.Sprintf(`
		UPDATE %[1]s SET scheduler_id = $1, scheduler_timestamp = $2
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE %[2]s
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) AND %[2]s
		RETURNING %[3]s
	`, table, claimableSQL, strings.Join(cols, ", "))

	rows, err := s.db.QueryContext(ctx, query, schedulerID, now, staleBefore, limit)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("claim from %s: %w", table, err))
	}
	defer rows.Close()

	var out []job.Entity
	for rows.Next() {
		if t.Container {
			row := newFileRow(t)
			if err := rows.Scan(row.dest()...); err != nil {
				return out, store.Classify(fmt.Errorf("scan claimed %s: %w", table, err))
			}
			out = append(out, s.adoptFile(row.record(t)))
			continue
		}
		row := newRequestRow(t)
		if err := rows.Scan(row.dest()...); err != nil {
			return out, store.Classify(fmt.Errorf("scan claimed %s: %w", table, err))
		}
		e, err := s.adoptRequest(t, row.record(t))
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return out, store.Classify(fmt.Errorf("claim from %s: %w", table, err))
	}
	return out, nil
}

// adoptFile publishes a freshly read row: a held instance is refreshed,
// otherwise a new one becomes canonical.
func (s *Store) adoptFile(rec job.FileRequestRecord) job.Entity {
	f := job.LoadFileRequest(rec, s.now)
	canonical := s.cache.PutIfAbsent(f)
	if canonical != job.Entity(f) {
		if held, ok := canonical.(fileEntity); ok {
			held.RefreshFileRequest(rec)
		}
	}
	return canonical
}

func (s *Store) adoptRequest(t *store.RequestType, rec job.RequestRecord) (job.Entity, error) {
	if held, ok := s.cache.Get(rec.ID); ok {
		if r, ok := held.(requestEntity); ok {
			r.RefreshRequest(rec)
		}
		return held, nil
	}
	e, err := t.Finish(job.LoadRequest(rec, s.now))
	if err != nil {
		return nil, err
	}
	canonical := s.cache.PutIfAbsent(e)
	if canonical != e {
		if r, ok := canonical.(requestEntity); ok {
			r.RefreshRequest(rec)
		}
	}
	return canonical, nil
}

// RenewLease refreshes the lease timestamp of a job still held by schedulerID.
func (s *Store) RenewLease(ctx context.Context, id int64, schedulerID string) error {
	t, kind, err := s.typeOf(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET scheduler_timestamp = $3 WHERE id = $1 AND scheduler_id = $2 AND state NOT IN (%s)",
		t.Table(kind), terminalStates), id, schedulerID, now)
	if err != nil {
		return store.Classify(fmt.Errorf("renew lease %d: %w", id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Classify(fmt.Errorf("renew lease %d: %w", id, err))
	}
	held, cached := s.cache.Get(id)
	if n == 0 {
		if cached {
			if err := s.refresh(ctx, t, held); err != nil {
				return err
			}
		}
		return fmt.Errorf("renew lease %d: %w", id, store.ErrLeaseLost)
	}
	if cached {
		_ = held.Base().Claim(schedulerID, now)
	}
	return nil
}

// typeOf resolves the type and kind of id, from the identity map if possible.
func (s *Store) typeOf(ctx context.Context, id int64) (*store.RequestType, job.Kind, error) {
	if e, ok := s.cache.Get(id); ok {
		t, err := s.registry.Lookup(e.TypeName())
		if err != nil {
			return nil, 0, err
		}
		return t, e.Kind(), nil
	}
	return s.locate(ctx, id)
}

// Restore moves the work items still leased by schedulerID, left over from a
// previous run under the same identity, to RESTORED and clears their lease.
func (s *Store) Restore(ctx context.Context, schedulerID string) ([]int64, error) {
	now := s.now()
	var restored []int64
	for _, t := range s.registry.Types() {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET state = %d, scheduler_id = NULL, scheduler_timestamp = NULL,
				last_state_transition_time = GREATEST(last_state_transition_time, $2)
			WHERE scheduler_id = $1 AND state NOT IN (%s)
			RETURNING id
		`, t.WorkTable(), job.StateRestored, terminalStates), schedulerID, now)
		if err != nil {
			return restored, store.Classify(fmt.Errorf("restore %s: %w", t.Name, err))
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return restored, store.Classify(fmt.Errorf("restore %s: %w", t.Name, err))
		}
		for _, id := range ids {
			if held, ok := s.cache.Get(id); ok {
				_ = held.Base().Restore()
			}
		}
		restored = append(restored, ids...)
	}
	return restored, nil
}
