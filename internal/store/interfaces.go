// Package store contains the storage mapping layer contracts: the request
// type registry, the identity map and the error taxonomy shared by every
// backend.
package store

import (
	"context"
	"database/sql"
	"time"

	"srmjobs/internal/job"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// JobStore persists jobs and hands out the canonical instance per id.
type JobStore interface {
	// Insert assigns ids to a transient request, and to its children for
	// containers, and writes every row in one transaction.
	Insert(ctx context.Context, e job.Entity) error

	// Load returns the canonical instance for id, reading storage on a miss.
	// A held instance is not re-read.
	Load(ctx context.Context, id int64) (job.Entity, error)

	// Fetch returns the canonical instance for id with its stored row
	// applied, so changes made by other processes are visible.
	Fetch(ctx context.Context, id int64) (job.Entity, error)

	// Reload applies the stored row of e, and of the resolved children of a
	// container, unless e changed locally while the row was read.
	Reload(ctx context.Context, e job.Entity) error

	// Update writes all mutable columns unless the stored row is already
	// terminal. Used by writers that do not hold the lease (cancel, sweep).
	Update(ctx context.Context, e job.Entity) error

	// UpdateOwned writes all mutable columns only while schedulerID still
	// holds the lease and the stored row is not terminal.
	UpdateOwned(ctx context.Context, e job.Entity, schedulerID string) error

	// Claim leases up to limit claimable work items to schedulerID. A row is
	// claimable when it is unleased or its lease is older than leaseTimeout.
	Claim(ctx context.Context, schedulerID string, limit int, leaseTimeout time.Duration) ([]job.Entity, error)

	// RenewLease refreshes the lease timestamp of a job held by schedulerID.
	RenewLease(ctx context.Context, id int64, schedulerID string) error

	// Restore moves the non-terminal jobs leased by schedulerID to RESTORED
	// and clears their lease. It returns the affected ids.
	Restore(ctx context.Context, schedulerID string) ([]int64, error)

	// List returns ids of requests matching the filter, newest first.
	List(ctx context.Context, f ListFilter) ([]int64, error)

	// Expired returns ids of non-terminal jobs whose lifetime has passed.
	Expired(ctx context.Context, limit int) ([]int64, error)

	// SettledContainers returns ids of non-terminal containers whose
	// children are all terminal.
	SettledContainers(ctx context.Context, limit int) ([]int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
