package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/allisson/go-pglock/v3"
	"github.com/lthibault/jitterbug/v2"

	"srmjobs/internal/engine"
)

// SweepLockID is the Postgres advisory lock key held by the process that
// runs the sweep.
const SweepLockID int64 = 0x73726d5f7377

// Locker is an exclusive lock shared by all scheduler processes.
type Locker interface {
	Lock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// NewAdvisoryLock returns a session-level Postgres advisory lock.
func NewAdvisoryLock(ctx context.Context, db *sql.DB, id int64) (Locker, error) {
	lock, err := pglock.NewLock(ctx, id, db)
	if err != nil {
		return nil, fmt.Errorf("creating sweep lock: %w", err)
	}
	return &lock, nil
}

// SweepEngine is the part of engine.Engine the sweeper drives.
type SweepEngine interface {
	Sweep(ctx context.Context) (engine.SweepResult, error)
}

// Sweeper periodically expires jobs past their lifetime and finalizes
// settled containers. Only the process holding the lock sweeps; the others
// keep trying to take it over.
type Sweeper struct {
	engine   SweepEngine
	lock     Locker
	interval time.Duration
	stdev    time.Duration
	logger   *slog.Logger
}

func NewSweeper(e SweepEngine, lock Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   e,
		lock:     lock,
		interval: interval,
		stdev:    interval / 10,
		logger:   logger,
	}
}

// Run blocks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.stdev, Mean: 0})
	defer ticker.Stop()

	var locked bool
	defer func() {
		if locked {
			if err := s.lock.Unlock(context.Background()); err != nil {
				s.logger.Warn("unlocking sweep lock", "error", err)
			}
		}
	}()

	for {
		if !locked {
			var err error
			if locked, err = s.lock.Lock(ctx); err != nil {
				s.logger.WarnContext(ctx, "acquiring sweep lock", "error", err)
			} else if locked {
				s.logger.InfoContext(ctx, "sweep lock acquired")
			}
		}

		if locked {
			if _, err := s.engine.Sweep(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
