package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memRow struct {
	rec      job.Record
	typeName string
	kind     job.Kind
	children []int64
}

// memStore is an in-memory store.JobStore. Stored rows and in-memory
// instances are kept apart so conditional writes behave like the database.
type memStore struct {
	mu       sync.Mutex
	registry *store.Registry
	now      func() time.Time
	nextID   int64
	rows     map[int64]*memRow
	held     map[int64]job.Entity
	failNext error

	// failReload fails the next Reload or Fetch.
	failReload error
	// onWrite runs inside Update and UpdateOwned before the write is
	// checked, with the store locked.
	onWrite func(rows map[int64]*memRow)
}

var _ store.JobStore = (*memStore)(nil)

func newMemStore(registry *store.Registry, now func() time.Time) *memStore {
	return &memStore{
		registry: registry,
		now:      now,
		rows:     make(map[int64]*memRow),
		held:     make(map[int64]job.Entity),
	}
}

func (m *memStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memStore) Insert(_ context.Context, e job.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.nextID++
	id := m.nextID
	if c, ok := e.(job.Composite); ok {
		children := c.FileRequests()
		childIDs := make([]int64, len(children))
		for i := range children {
			m.nextID++
			childIDs[i] = m.nextID
		}
		if err := e.(interface {
			AssignIDs(int64, []int64) error
		}).AssignIDs(id, childIDs); err != nil {
			return err
		}
		for _, child := range children {
			m.rows[child.ID()] = &memRow{rec: child.Record(), typeName: e.TypeName(), kind: job.KindFileRequest}
			m.held[child.ID()] = child
		}
		m.rows[id] = &memRow{rec: e.Base().Record(), typeName: e.TypeName(), kind: job.KindRequest, children: childIDs}
	} else {
		if err := e.Base().AssignID(id); err != nil {
			return err
		}
		m.rows[id] = &memRow{rec: e.Base().Record(), typeName: e.TypeName(), kind: job.KindRequest}
	}
	m.held[id] = e
	return nil
}

func (m *memStore) Load(_ context.Context, id int64) (job.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[id]
	if !ok {
		return nil, fmt.Errorf("load %d: %w", id, store.ErrNotFound)
	}
	return e, nil
}

func (m *memStore) Fetch(_ context.Context, id int64) (job.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[id]
	if !ok {
		return nil, fmt.Errorf("fetch %d: %w", id, store.ErrNotFound)
	}
	if err := m.reloadLocked(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *memStore) Reload(_ context.Context, e job.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked(e)
}

func (m *memStore) reloadLocked(e job.Entity) error {
	if err := m.failReload; err != nil {
		m.failReload = nil
		return err
	}
	row, ok := m.rows[e.Base().ID()]
	if !ok {
		return fmt.Errorf("reload %d: %w", e.Base().ID(), store.ErrNotFound)
	}
	if c, ok := e.(job.Composite); ok {
		for _, child := range c.FileRequests() {
			if crow, ok := m.rows[child.ID()]; ok {
				child.Sync(child.Version(), crow.rec)
			}
		}
	}
	j := e.Base()
	j.Sync(j.Version(), row.rec)
	return nil
}

// mutate changes a stored row behind the back of the held instance, as a
// writer in another process would.
func (m *memStore) mutate(id int64, fn func(*job.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.rows[id].rec)
}

func (m *memStore) Update(_ context.Context, e job.Entity) error {
	return m.write(e, "")
}

func (m *memStore) UpdateOwned(_ context.Context, e job.Entity, schedulerID string) error {
	return m.write(e, schedulerID)
}

func (m *memStore) write(e job.Entity, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onWrite != nil {
		m.onWrite(m.rows)
	}
	if err := m.takeFailure(); err != nil {
		return err
	}
	row, ok := m.rows[e.Base().ID()]
	if !ok {
		return store.ErrNotFound
	}
	if row.rec.State.IsTerminal() || (owner != "" && row.rec.SchedulerID != owner) {
		e.Base().Refresh(row.rec)
		return fmt.Errorf("update %d: %w", row.rec.ID, store.ErrLeaseLost)
	}
	row.rec = e.Base().Record()
	return nil
}

func (m *memStore) claimable(row *memRow, now time.Time, leaseTimeout time.Duration) bool {
	r := row.rec
	switch r.State {
	case job.StateQueued, job.StateRunning, job.StateRestored:
	case job.StateRetryWait:
		if now.Before(r.LastStateTransitionTime.Add(r.RetryDeltaTime)) {
			return false
		}
	default:
		return false
	}
	return r.SchedulerID == "" || r.SchedulerTimestamp.Before(now.Add(-leaseTimeout))
}

func (m *memStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *memStore) Claim(_ context.Context, schedulerID string, limit int, leaseTimeout time.Duration) ([]job.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []job.Entity
	for _, id := range m.sortedIDs() {
		if len(out) >= limit {
			break
		}
		row := m.rows[id]
		t, err := m.registry.Lookup(row.typeName)
		if err != nil || row.kind != t.WorkKind() || !m.claimable(row, now, leaseTimeout) {
			continue
		}
		row.rec.SchedulerID = schedulerID
		row.rec.SchedulerTimestamp = now
		m.held[id].Base().Refresh(row.rec)
		out = append(out, m.held[id])
	}
	return out, nil
}

func (m *memStore) RenewLease(_ context.Context, id int64, schedulerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if row.rec.State.IsTerminal() || row.rec.SchedulerID != schedulerID {
		m.held[id].Base().Refresh(row.rec)
		return store.ErrLeaseLost
	}
	row.rec.SchedulerTimestamp = m.now()
	return m.held[id].Base().Claim(schedulerID, row.rec.SchedulerTimestamp)
}

func (m *memStore) Restore(_ context.Context, schedulerID string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, id := range m.sortedIDs() {
		row := m.rows[id]
		if row.rec.SchedulerID != schedulerID || row.rec.State.IsTerminal() {
			continue
		}
		if err := m.held[id].Base().Restore(); err != nil {
			return ids, err
		}
		row.rec = m.held[id].Base().Record()
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) List(_ context.Context, f store.ListFilter) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.sortedIDs()
	var out []int64
	for i := len(ids) - 1; i >= 0 && len(out) < f.EffectiveLimit(); i-- {
		row := m.rows[ids[i]]
		if row.kind != job.KindRequest {
			continue
		}
		if f.Type != "" && row.typeName != f.Type {
			continue
		}
		if f.Owner != "" && row.rec.Owner.Name != f.Owner {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, row.rec.State) {
			continue
		}
		out = append(out, ids[i])
	}
	return out, nil
}

func containsState(states []job.State, s job.State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func (m *memStore) Expired(_ context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []int64
	for _, id := range m.sortedIDs() {
		r := m.rows[id].rec
		if !r.State.IsTerminal() && now.After(r.CreationTime.Add(r.Lifetime)) && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) SettledContainers(_ context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, id := range m.sortedIDs() {
		row := m.rows[id]
		if len(row.children) == 0 || row.rec.State.IsTerminal() || len(out) >= limit {
			continue
		}
		settled := true
		for _, cid := range row.children {
			if !m.rows[cid].rec.State.IsTerminal() {
				settled = false
				break
			}
		}
		if settled {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) stored(id int64) job.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].rec
}

func (m *memStore) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
