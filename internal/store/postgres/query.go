package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

// List returns the ids of top-level requests matching f, newest first.
func (s *Store) List(ctx context.Context, f store.ListFilter) ([]int64, error) {
	types := s.registry.Types()
	if f.Type != "" {
		t, err := s.registry.Lookup(f.Type)
		if err != nil {
			return nil, err
		}
		types = []*store.RequestType{t}
	}

	var (
		args  []any
		conds []string
	)
	if f.Owner != "" {
		args = append(args, f.Owner)
		conds = append(conds, fmt.Sprintf("owner_name = $%d", len(args)))
	}
	if len(f.States) > 0 {
		states := make([]int64, len(f.States))
		for i, st := range f.States {
			states[i] = int64(st)
		}
		args = append(args, pq.Array(states))
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	where := "TRUE"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}

	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("SELECT id FROM %s WHERE %s", t.RequestTable, where))
	}
	args = append(args, f.EffectiveLimit())
	query := fmt.Sprintf("SELECT id FROM (%s) AS requests ORDER BY id DESC LIMIT $%d",
		strings.Join(parts, " UNION ALL "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("list requests: %w", err))
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("list requests: %w", err))
	}
	return ids, nil
}

// Expired returns ids of non-terminal requests and file requests whose
// lifetime has passed, oldest first.
func (s *Store) Expired(ctx context.Context, limit int) ([]int64, error) {
	var parts []string
	for _, t := range s.registry.Types() {
		tables := []string{t.RequestTable}
		if t.Container {
			tables = append(tables, t.FileRequestTable)
		}
		for _, table := range tables {
			parts = append(parts, fmt.Sprintf(
				"SELECT id FROM %s WHERE state NOT IN (%s) AND creation_time + lifetime_ms * INTERVAL '1 millisecond' < $1",
				table, terminalStates))
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT id FROM (%s) AS expired ORDER BY id LIMIT $2", strings.Join(parts, " UNION ALL "))

	rows, err := s.db.QueryContext(ctx, query, s.now(), limit)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("find expired: %w", err))
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("find expired: %w", err))
	}
	return ids, nil
}

// SettledContainers returns ids of non-terminal containers that have at
// least one linked child and no non-terminal one.
func (s *Store) SettledContainers(ctx context.Context, limit int) ([]int64, error) {
	var parts []string
	for _, t := range s.registry.Types() {
		if !t.Container {
			continue
		}
		parts = append(parts, fmt.Sprintf(`SELECT r.id FROM %[1]s r
			WHERE r.state NOT IN (%[4]s)
			AND EXISTS (SELECT 1 FROM %[2]s l WHERE l.request_id = r.id)
			AND NOT EXISTS (
				SELECT 1 FROM %[2]s l JOIN %[3]s f ON f.id = l.file_request_id
				WHERE l.request_id = r.id AND f.state NOT IN (%[4]s)
			)`, t.RequestTable, t.LinkTable, t.FileRequestTable, terminalStates))
	}
	if len(parts) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT id FROM (%s) AS settled ORDER BY id LIMIT $1", strings.Join(parts, " UNION ALL "))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("find settled containers: %w", err))
	}
	ids, err := scanIDs(rows)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("find settled containers: %w", err))
	}
	return ids, nil
}

// CountWork returns how many work items, across all registered types, are
// in state st.
func (s *Store) CountWork(ctx context.Context, st job.State) (int64, error) {
	types := s.registry.Types()
	if len(types) == 0 {
		return 0, nil
	}
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("SELECT COUNT(*) AS n FROM %s WHERE state = $1", t.WorkTable()))
	}
	query := fmt.Sprintf("SELECT COALESCE(SUM(n), 0)::BIGINT FROM (%s) AS work", strings.Join(parts, " UNION ALL "))

	var count int64
	if err := s.db.QueryRowContext(ctx, query, int64(st)).Scan(&count); err != nil {
		return 0, store.Classify(fmt.Errorf("count work: %w", err))
	}
	return count, nil
}

// scanIDs reads a single id column and closes rows.
func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
