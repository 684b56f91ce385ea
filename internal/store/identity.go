package store

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"srmjobs/internal/job"
)

// IdentityMap holds the canonical in-memory instance of every loaded entity.
// It is a process-local cache: rows written by other processes reach a held
// instance only through a reload.
//
// Entities that can still change live in an unbounded active tier and are
// never evicted. Entities that reached a terminal state are moved into a
// bounded LRU tier. With a size of 0 nothing is ever evicted. EvictActive
// puts every entity in the LRU tier.
//
// The lock only guards map mutation; callers must not hold it across
// storage round-trips, so every lookup is a short critical section.
type IdentityMap struct {
	mu      sync.Mutex
	active  map[int64]job.Entity
	settled *lru.Cache[int64, job.Entity]

	evictActive bool
}

type IdentityOption func(*IdentityMap)

// EvictActive lets non-terminal entities age out as well. Only for
// processes that hold no leases and reload rows before acting on them.
func EvictActive() IdentityOption {
	return func(m *IdentityMap) { m.evictActive = true }
}

func NewIdentityMap(size int, opts ...IdentityOption) (*IdentityMap, error) {
	m := &IdentityMap{active: make(map[int64]job.Entity)}
	for _, opt := range opts {
		opt(m)
	}
	if size > 0 {
		c, err := lru.New[int64, job.Entity](size)
		if err != nil {
			return nil, fmt.Errorf("create identity cache: %w", err)
		}
		m.settled = c
	}
	return m, nil
}

// Get returns the canonical instance for id, if loaded.
func (m *IdentityMap) Get(id int64) (job.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *IdentityMap) getLocked(id int64) (job.Entity, bool) {
	if e, ok := m.active[id]; ok {
		return e, true
	}
	if m.settled != nil {
		return m.settled.Get(id)
	}
	return nil, false
}

// PutIfAbsent stores e unless an instance with the same id is already held,
// and returns whichever instance is canonical. Callers that loaded a row
// concurrently must continue with the returned value.
func (m *IdentityMap) PutIfAbsent(e job.Entity) job.Entity {
	id := e.Base().ID()
	terminal := e.Base().State().IsTerminal()

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.getLocked(id); ok {
		return existing
	}
	if (terminal || m.evictActive) && m.settled != nil {
		m.settled.Add(id, e)
	} else {
		m.active[id] = e
	}
	return e
}

// Settle moves an entity that reached a terminal state into the bounded tier.
func (m *IdentityMap) Settle(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled == nil {
		return
	}
	e, ok := m.active[id]
	if !ok || !e.Base().State().IsTerminal() {
		return
	}
	delete(m.active, id)
	m.settled.Add(id, e)
}

// Len returns the number of held entities in both tiers.
func (m *IdentityMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.active)
	if m.settled != nil {
		n += m.settled.Len()
	}
	return n
}
