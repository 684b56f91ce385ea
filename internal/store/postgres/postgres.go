// Package postgres implements the storage mapping layer on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"srmjobs/internal/store"
)

// IDSequence is the sequence every request and file request takes its id
// from, so ids are unique across all registered types.
const IDSequence = "srm_job_ids"

// Store is the PostgreSQL-backed store.JobStore. It owns the identity map:
// every caller loading a given id gets the same instance.
type Store struct {
	db       *sql.DB
	registry *store.Registry
	cache    *store.IdentityMap
	now      func() time.Time
	logger   *slog.Logger
}

var _ store.JobStore = (*Store)(nil)

type Option func(*Store)

// WithNow sets the clock used for lease timestamps and expiry checks.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithIdentityMap replaces the default never-evicting identity map.
func WithIdentityMap(m *store.IdentityMap) Option {
	return func(s *Store) { s.cache = m }
}

// New opens a connection pool and verifies it.
func New(ctx context.Context, databaseURL string, registry *store.Registry, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, store.Classify(fmt.Errorf("ping database: %w", err))
	}
	return NewWithDB(db, registry, opts...), nil
}

// NewWithDB wraps an existing pool.
func NewWithDB(db *sql.DB, registry *store.Registry, opts ...Option) *Store {
	s := &Store{
		db:       db,
		registry: registry,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache, _ = store.NewIdentityMap(0)
	}
	return s
}

// DB exposes the pool for migrations and advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return store.Classify(s.db.PingContext(ctx))
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
