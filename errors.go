package pglock

import "errors"

// Common errors for lock operations.
var (
	// ErrNotAcquired is returned by Take when the lock was not granted
	// within the requested timeout. TryTake reports the same outcome as a
	// false return instead.
	ErrNotAcquired = errors.New("lock not acquired within timeout")

	// ErrAlreadyHeld is returned when calling Take or TryTake on an
	// instance that already holds its lock. Re-entrant acquisition is not
	// supported; use a second instance if a second critical section is needed.
	ErrAlreadyHeld = errors.New("lock already held by this instance")

	// ErrReleased is returned when operating on an instance that has been
	// released. Released instances are terminal and cannot be reused.
	ErrReleased = errors.New("lock instance already released")

	// ErrEmptyKey is returned when the lock key is empty.
	ErrEmptyKey = errors.New("lock key must not be empty")

	// ErrInvalidTimeout is returned when the acquisition timeout is not positive.
	ErrInvalidTimeout = errors.New("lock timeout must be positive")
)

// sqlstateLockNotAvailable is the Postgres error code raised when
// lock_timeout expires while waiting on pg_advisory_lock.
const sqlstateLockNotAvailable = "55P03"

// sqlstateQueryCanceled is raised when the server processed a cancel
// request before the context error surfaced locally.
const sqlstateQueryCanceled = "57014"
