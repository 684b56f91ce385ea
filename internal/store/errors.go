package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when an id has no row in any registered table.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable marks transient failures: connectivity, timeouts,
	// server shutdown, serialization conflicts. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrStorageIntegrity marks constraint violations and referential
	// inconsistencies.
	ErrStorageIntegrity = errors.New("storage integrity violation")

	// ErrLeaseLost is returned by a conditional write that matched no row:
	// another scheduler holds the lease or the job already reached a
	// terminal state. The in-memory instance has been refreshed.
	ErrLeaseLost = errors.New("lease lost")

	// ErrUnknownType is returned for a request type that is not registered.
	ErrUnknownType = errors.New("unknown request type")
)

// Classify wraps a driver error with the matching sentinel. Errors that are
// already classified, and errors it does not recognise, are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrStorageUnavailable, ErrStorageIntegrity, ErrLeaseLost, ErrUnknownType} {
		if errors.Is(err, known) {
			return err
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		case "23":
			return fmt.Errorf("%w: %w", ErrStorageIntegrity, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
