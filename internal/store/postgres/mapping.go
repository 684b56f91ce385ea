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

type requestEntity interface {
	job.Entity
	RequestRecord() job.RequestRecord
	RefreshRequest(job.RequestRecord)
	SyncRequest(uint64, job.RequestRecord) bool
}

type containerEntity interface {
	requestEntity
	job.Composite
	AssignIDs(id int64, childIDs []int64) error
}

type fileEntity interface {
	job.Entity
	FileRequestRecord() job.FileRequestRecord
	RefreshFileRequest(job.FileRequestRecord)
	SyncFileRequest(uint64, job.FileRequestRecord) bool
}

// Insert persists a transient request. Containers are written with all their
// children and link rows in the same transaction. Ids are assigned to the
// in-memory entities only after commit.
func (s *Store) Insert(ctx context.Context, e job.Entity) error {
	if e.Kind() != job.KindRequest {
		return fmt.Errorf("insert: only top-level requests are inserted, got %s", e.Kind())
	}
	if id := e.Base().ID(); id != 0 {
		return fmt.Errorf("insert: %w: %d", job.ErrAlreadyPersisted, id)
	}
	t, err := s.registry.Lookup(e.TypeName())
	if err != nil {
		return err
	}
	req, ok := e.(requestEntity)
	if !ok {
		return fmt.Errorf("insert: %T is not a request", e)
	}

	var children []*job.FileRequest
	container, isContainer := e.(containerEntity)
	if t.Container {
		if !isContainer {
			return fmt.Errorf("insert: %s requests must be containers, got %T", t.Name, e)
		}
		children = container.FileRequests()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Classify(fmt.Errorf("begin insert: %w", err))
	}
	defer tx.Rollback()

	ids, err := s.nextIDs(ctx, tx, 1+len(children))
	if err != nil {
		return err
	}

	rec := req.RequestRecord()
	rec.ID = ids[0]
	if _, err := tx.ExecContext(ctx, insertSQL(t.RequestTable, requestColumns(t)), requestValues(t, rec)...); err != nil {
		return store.Classify(fmt.Errorf("insert %s request %d: %w", t.Name, rec.ID, err))
	}

	for i, child := range children {
		frec := child.FileRequestRecord()
		frec.ID = ids[i+1]
		frec.RequestID = rec.ID
		if _, err := tx.ExecContext(ctx, insertSQL(t.FileRequestTable, fileColumns(t)), fileValues(t, frec)...); err != nil {
			return store.Classify(fmt.Errorf("insert %s file request %d: %w", t.Name, frec.ID, err))
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (request_id, file_request_id) VALUES ($1, $2)", t.LinkTable),
			rec.ID, frec.ID,
		); err != nil {
			return store.Classify(fmt.Errorf("link file request %d to %d: %w", frec.ID, rec.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Classify(fmt.Errorf("commit insert: %w", err))
	}

	if t.Container {
		if err := container.AssignIDs(ids[0], ids[1:]); err != nil {
			return err
		}
		for _, child := range children {
			s.cache.PutIfAbsent(child)
		}
	} else if err := e.Base().AssignID(ids[0]); err != nil {
		return err
	}
	s.cache.PutIfAbsent(e)
	return nil
}

func (s *Store) nextIDs(ctx context.Context, tx store.DBTransaction, n int) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT nextval('%s') FROM generate_series(1, $1)", IDSequence), n)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("allocate ids: %w", err))
	}
	defer rows.Close()

	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, store.Classify(fmt.Errorf("allocate ids: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("allocate ids: %w", err))
	}
	if len(ids) != n {
		return nil, fmt.Errorf("%w: allocated %d ids, want %d", store.ErrStorageIntegrity, len(ids), n)
	}
	return ids, nil
}

// Load returns the canonical instance for id. The identity map is consulted
// first; on a miss the row is read and the result is published to the map.
// A held instance is returned as is, so it may lag behind writes made by
// other processes; use Fetch when the stored state matters.
func (s *Store) Load(ctx context.Context, id int64) (job.Entity, error) {
	if e, ok := s.cache.Get(id); ok {
		return e, nil
	}
	t, kind, err := s.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case kind == job.KindFileRequest:
		return s.loadFileRequest(ctx, t, id)
	case t.Container:
		return s.loadContainer(ctx, t, id)
	default:
		return s.loadRequest(ctx, t, id)
	}
}

// Fetch returns the canonical instance for id with its stored row applied.
func (s *Store) Fetch(ctx context.Context, id int64) (job.Entity, error) {
	if e, ok := s.cache.Get(id); ok {
		if err := s.Reload(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return s.Load(ctx, id)
}

// Reload reads the stored row of e into it. The resolved children of a
// container are read in the same transaction. Rows read while e changed
// locally are dropped; the local change wins until its own write settles.
func (s *Store) Reload(ctx context.Context, e job.Entity) error {
	id := e.Base().ID()
	if id == 0 {
		return fmt.Errorf("reload: entity has not been inserted")
	}
	t, err := s.registry.Lookup(e.TypeName())
	if err != nil {
		return err
	}

	switch v := e.(type) {
	case containerEntity:
		return s.reloadContainer(ctx, t, v)
	case fileEntity:
		mark := v.Base().Version()
		row := newFileRow(t)
		if err := s.db.QueryRowContext(ctx, selectSQL(t.FileRequestTable, fileColumns(t), "id = $1"), id).Scan(row.dest()...); err != nil {
			return store.Classify(fmt.Errorf("reload %s file request %d: %w", t.Name, id, err))
		}
		v.SyncFileRequest(mark, row.record(t))
	case requestEntity:
		mark := v.Base().Version()
		row := newRequestRow(t)
		if err := s.db.QueryRowContext(ctx, selectSQL(t.RequestTable, requestColumns(t), "id = $1"), id).Scan(row.dest()...); err != nil {
			return store.Classify(fmt.Errorf("reload %s request %d: %w", t.Name, id, err))
		}
		v.SyncRequest(mark, row.record(t))
	default:
		return fmt.Errorf("reload %d: unsupported entity %T", id, e)
	}
	s.settle(e)
	return nil
}

func (s *Store) reloadContainer(ctx context.Context, t *store.RequestType, c containerEntity) error {
	id := c.Base().ID()
	children := c.FileRequests()
	childIDs := make([]int64, len(children))
	marks := make(map[int64]uint64, len(children))
	for i, f := range children {
		childIDs[i] = f.ID()
		marks[f.ID()] = f.Version()
	}
	mark := c.Base().Version()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return store.Classify(fmt.Errorf("begin reload %d: %w", id, err))
	}
	defer tx.Rollback()

	row := newRequestRow(t)
	err = tx.QueryRowContext(ctx, selectSQL(t.RequestTable, requestColumns(t), "id = $1"), id).Scan(row.dest()...)
	if err != nil {
		return store.Classify(fmt.Errorf("reload %s request %d: %w", t.Name, id, err))
	}
	fetched, err := s.fileRows(ctx, tx, t, id, childIDs)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Classify(fmt.Errorf("commit reload %d: %w", id, err))
	}

	for _, f := range children {
		rec, ok := fetched[f.ID()]
		if !ok {
			s.logger.Warn("held file request no longer stored",
				"request_id", id, "file_request_id", f.ID(), "type", t.Name)
			continue
		}
		f.SyncFileRequest(marks[f.ID()], rec)
		s.settle(f)
	}
	c.SyncRequest(mark, row.record(t))
	s.settle(c)
	return nil
}

// settle moves e to the bounded tier of the identity map once terminal.
func (s *Store) settle(e job.Entity) {
	if e.Base().State().IsTerminal() {
		s.cache.Settle(e.Base().ID())
	}
}

// locate finds which registered table holds id.
func (s *Store) locate(ctx context.Context, id int64) (*store.RequestType, job.Kind, error) {
	types := s.registry.Types()
	if len(types) == 0 {
		return nil, 0, fmt.Errorf("locate %d: %w", id, store.ErrNotFound)
	}
	var parts []string
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("SELECT '%s' AS type, %d AS kind FROM %s WHERE id = $1", t.Name, job.KindRequest, t.RequestTable))
		if t.Container {
			parts = append(parts, fmt.Sprintf("SELECT '%s' AS type, %d AS kind FROM %s WHERE id = $1", t.Name, job.KindFileRequest, t.FileRequestTable))
		}
	}
	query := strings.Join(parts, " UNION ALL ") + " LIMIT 1"

	var (
		typeName string
		kind     int
	)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&typeName, &kind); err != nil {
		return nil, 0, store.Classify(fmt.Errorf("locate %d: %w", id, err))
	}
	t, err := s.registry.Lookup(typeName)
	if err != nil {
		return nil, 0, err
	}
	return t, job.Kind(kind), nil
}

func (s *Store) loadRequest(ctx context.Context, t *store.RequestType, id int64) (job.Entity, error) {
	row := newRequestRow(t)
	err := s.db.QueryRowContext(ctx, selectSQL(t.RequestTable, requestColumns(t), "id = $1"), id).Scan(row.dest()...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("load %s request %d: %w", t.Name, id, err))
	}
	e, err := t.Finish(job.LoadRequest(row.record(t), s.now))
	if err != nil {
		return nil, err
	}
	return s.cache.PutIfAbsent(e), nil
}

func (s *Store) loadFileRequest(ctx context.Context, t *store.RequestType, id int64) (job.Entity, error) {
	row := newFileRow(t)
	err := s.db.QueryRowContext(ctx, selectSQL(t.FileRequestTable, fileColumns(t), "id = $1"), id).Scan(row.dest()...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("load %s file request %d: %w", t.Name, id, err))
	}
	return s.cache.PutIfAbsent(job.LoadFileRequest(row.record(t), s.now)), nil
}

// loadContainer reads the container row, its link rows and every linked
// child in one read-only transaction, then assembles the graph outside of
// it. Children already held by the identity map are kept and brought up to
// date. Children that are missing, or whose row names another parent, are
// logged and left out.
func (s *Store) loadContainer(ctx context.Context, t *store.RequestType, id int64) (job.Entity, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, store.Classify(fmt.Errorf("begin load %d: %w", id, err))
	}
	defer tx.Rollback()

	row := newRequestRow(t)
	err = tx.QueryRowContext(ctx, selectSQL(t.RequestTable, requestColumns(t), "id = $1"), id).Scan(row.dest()...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("load %s request %d: %w", t.Name, id, err))
	}

	childIDs, err := s.linkedIDs(ctx, tx, t, id)
	if err != nil {
		return nil, err
	}

	held := make(map[int64]job.Entity, len(childIDs))
	marks := make(map[int64]uint64, len(childIDs))
	for _, cid := range childIDs {
		if e, ok := s.cache.Get(cid); ok {
			held[cid] = e
			marks[cid] = e.Base().Version()
		}
	}

	fetched, err := s.fileRows(ctx, tx, t, id, childIDs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Classify(fmt.Errorf("commit load %d: %w", id, err))
	}

	children := make([]*job.FileRequest, 0, len(childIDs))
	for _, cid := range childIDs {
		rec, ok := fetched[cid]
		if !ok {
			s.logger.Warn("container references missing file request",
				"request_id", id, "file_request_id", cid, "type", t.Name)
			continue
		}
		if rec.RequestID != id {
			s.logger.Warn("file request belongs to another container",
				"request_id", id, "file_request_id", cid, "type", t.Name)
			continue
		}
		var child *job.FileRequest
		if e, ok := held[cid]; ok {
			child, _ = e.(*job.FileRequest)
			if child != nil {
				child.SyncFileRequest(marks[cid], rec)
				s.settle(child)
			}
		} else {
			child, _ = s.cache.PutIfAbsent(job.LoadFileRequest(rec, s.now)).(*job.FileRequest)
		}
		if child == nil {
			continue
		}
		children = append(children, child)
	}

	e, err := t.Finish(job.LoadContainerRequest(row.record(t), childIDs, children, s.now))
	if err != nil {
		return nil, err
	}
	return s.cache.PutIfAbsent(e), nil
}

// fileRows reads the file request rows with the given ids, keyed by id.
func (s *Store) fileRows(ctx context.Context, tx store.DBTransaction, t *store.RequestType, parent int64, ids []int64) (map[int64]job.FileRequestRecord, error) {
	out := make(map[int64]job.FileRequestRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := tx.QueryContext(ctx, selectSQL(t.FileRequestTable, fileColumns(t), "id = ANY($1)"), pq.Array(ids))
	if err != nil {
		return nil, store.Classify(fmt.Errorf("load children of %d: %w", parent, err))
	}
	defer rows.Close()
	for rows.Next() {
		fr := newFileRow(t)
		if err := rows.Scan(fr.dest()...); err != nil {
			return nil, store.Classify(fmt.Errorf("scan child of %d: %w", parent, err))
		}
		out[fr.id] = fr.record(t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("load children of %d: %w", parent, err))
	}
	return out, nil
}

func (s *Store) linkedIDs(ctx context.Context, tx store.DBTransaction, t *store.RequestType, id int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT file_request_id FROM %s WHERE request_id = $1 ORDER BY file_request_id", t.LinkTable), id)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("load links of %d: %w", id, err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var cid int64
		if err := rows.Scan(&cid); err != nil {
			return nil, store.Classify(fmt.Errorf("scan link of %d: %w", id, err))
		}
		ids = append(ids, cid)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("load links of %d: %w", id, err))
	}
	return ids, nil
}

// Update writes every mutable column of e unless the stored row is terminal.
func (s *Store) Update(ctx context.Context, e job.Entity) error {
	return s.update(ctx, e, "")
}

// UpdateOwned writes every mutable column of e while schedulerID holds the
// lease. When the write matches nothing, e is refreshed from storage and
// ErrLeaseLost is returned.
func (s *Store) UpdateOwned(ctx context.Context, e job.Entity, schedulerID string) error {
	if schedulerID == "" {
		return fmt.Errorf("update %d: empty scheduler id", e.Base().ID())
	}
	return s.update(ctx, e, schedulerID)
}

func (s *Store) update(ctx context.Context, e job.Entity, owner string) error {
	id := e.Base().ID()
	if id == 0 {
		return fmt.Errorf("update: entity has not been inserted")
	}
	t, err := s.registry.Lookup(e.TypeName())
	if err != nil {
		return err
	}

	var (
		query string
		args  []any
	)
	switch v := e.(type) {
	case fileEntity:
		query = updateSQL(t.FileRequestTable, fileMutableColumns(t), owner != "")
		args = append([]any{id}, fileMutableValues(t, v.FileRequestRecord())...)
	case requestEntity:
		query = updateSQL(t.RequestTable, requestMutableColumns(t), owner != "")
		args = append([]any{id}, requestMutableValues(t, v.RequestRecord())...)
	default:
		return fmt.Errorf("update %d: unsupported entity %T", id, e)
	}
	if owner != "" {
		args = append(args, owner)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.Classify(fmt.Errorf("update %s %d: %w", t.Name, id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Classify(fmt.Errorf("update %s %d: %w", t.Name, id, err))
	}
	if n == 0 {
		if err := s.refresh(ctx, t, e); err != nil {
			return err
		}
		return fmt.Errorf("update %s %d: %w", t.Name, id, store.ErrLeaseLost)
	}
	s.settle(e)
	return nil
}

// refresh overwrites e with its stored row.
func (s *Store) refresh(ctx context.Context, t *store.RequestType, e job.Entity) error {
	id := e.Base().ID()
	switch v := e.(type) {
	case fileEntity:
		row := newFileRow(t)
		if err := s.db.QueryRowContext(ctx, selectSQL(t.FileRequestTable, fileColumns(t), "id = $1"), id).Scan(row.dest()...); err != nil {
			return store.Classify(fmt.Errorf("refresh %s file request %d: %w", t.Name, id, err))
		}
		v.RefreshFileRequest(row.record(t))
	case requestEntity:
		row := newRequestRow(t)
		if err := s.db.QueryRowContext(ctx, selectSQL(t.RequestTable, requestColumns(t), "id = $1"), id).Scan(row.dest()...); err != nil {
			return store.Classify(fmt.Errorf("refresh %s request %d: %w", t.Name, id, err))
		}
		v.RefreshRequest(row.record(t))
	default:
		return fmt.Errorf("refresh %d: unsupported entity %T", id, e)
	}
	s.settle(e)
	return nil
}
