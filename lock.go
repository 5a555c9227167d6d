// Package pglock provides named, exclusive, cross-process locks backed by
// PostgreSQL session-scoped advisory locks.
//
// Each Lock owns a dedicated database connection for its whole lifetime; the
// connection is the ownership token. Postgres releases any advisory locks a
// session holds when that session's connection terminates, so a crashed or
// killed holder can never leave a lock stuck. The library never retries
// internally and uses no in-process synchronization between instances:
// contention between holders, in this process or any other, is arbitrated
// entirely by the database.
package pglock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/pglock/internal/metrics"
)

// state tracks the lock instance's lifecycle.
type state int

const (
	stateIdle state = iota
	stateHeld
	stateReleased
)

// closeTimeout bounds session teardown so that cleanup on a canceled
// context cannot hang.
const closeTimeout = 5 * time.Second

// connectFunc opens the dedicated session for a lock instance.
type connectFunc func(ctx context.Context) (*pgx.Conn, error)

// Lock is a single-shot, exclusive lock on one key. Instances are created by
// a Factory in the idle state; a successful Take moves them to held, and
// Release (idempotent) to released, which is terminal. A failed Take leaves
// the instance idle with its session torn down; retrying is done by
// constructing a new instance, not by reusing a failed one.
//
// Methods are safe for concurrent use, but a Lock is normally driven by one
// goroutine: take, guard, release.
type Lock struct {
	key         string
	advisoryKey int64
	holderID    string
	connect     connectFunc
	logger      zerolog.Logger

	mu    sync.Mutex
	state state
	conn  *pgx.Conn
}

// Take acquires the lock, blocking until it is granted or timeout elapses.
// A timeout is reported as ErrNotAcquired; cancellation of ctx unwinds the
// wait promptly and is reported as the context's error. On any non-success
// outcome the session is closed before Take returns, so no connection and no
// grant can leak.
func (l *Lock) Take(ctx context.Context, timeout time.Duration) error {
	_, err := l.acquire(ctx, timeout, false)
	return err
}

// TryTake is Take with the timeout outcome reported as a false return
// instead of an error, for callers to whom a busy lock is an expected,
// non-exceptional result. Cancellation and transport failures still return
// errors.
func (l *Lock) TryTake(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.acquire(ctx, timeout, true)
}

func (l *Lock) acquire(ctx context.Context, timeout time.Duration, timeoutAsBool bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case stateHeld:
		return false, ErrAlreadyHeld
	case stateReleased:
		return false, ErrReleased
	}
	if l.key == "" {
		return false, ErrEmptyKey
	}
	if timeout <= 0 {
		return false, ErrInvalidTimeout
	}

	start := time.Now()

	conn, err := l.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			metrics.RecordAcquire(metrics.OutcomeCanceled)
			return false, fmt.Errorf("lock %q: connect canceled: %w", l.key, ctx.Err())
		}
		metrics.RecordAcquire(metrics.OutcomeError)
		return false, fmt.Errorf("lock %q: connecting to lock service: %w", l.key, err)
	}

	// lock_timeout bounds the advisory-lock wait server-side, giving a
	// clean 55P03 outcome instead of an indefinite block.
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if _, err := conn.Exec(ctx, "SELECT set_config('lock_timeout', $1, false)", strconv.FormatInt(ms, 10)); err != nil {
		l.closeConn(conn)
		return false, l.classifyAcquireError(ctx, err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", l.advisoryKey); err != nil {
		l.closeConn(conn)
		err = l.classifyAcquireError(ctx, err)
		if timeoutAsBool && errors.Is(err, ErrNotAcquired) {
			return false, nil
		}
		return false, err
	}

	l.conn = conn
	l.state = stateHeld
	wait := time.Since(start)
	metrics.RecordAcquire(metrics.OutcomeGranted)
	metrics.ObserveAcquireWait(wait.Seconds())
	metrics.IncHeldLocks()
	l.logger.Debug().Dur("wait", wait).Msg("lock acquired")
	return true, nil
}

// classifyAcquireError maps a failed remote call onto the error taxonomy:
// context errors for cancellation, ErrNotAcquired for a lock_timeout expiry,
// anything else is a transport failure.
func (l *Lock) classifyAcquireError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		metrics.RecordAcquire(metrics.OutcomeCanceled)
		return fmt.Errorf("lock %q: acquisition canceled: %w", l.key, ctx.Err())
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateLockNotAvailable:
			metrics.RecordAcquire(metrics.OutcomeTimeout)
			return fmt.Errorf("lock %q: %w", l.key, ErrNotAcquired)
		case sqlstateQueryCanceled:
			metrics.RecordAcquire(metrics.OutcomeCanceled)
			return fmt.Errorf("lock %q: acquisition canceled: %w", l.key, context.Canceled)
		}
	}

	metrics.RecordAcquire(metrics.OutcomeError)
	return fmt.Errorf("lock %q: acquiring: %w", l.key, err)
}

// Release releases the lock and tears down its session. It is idempotent:
// calls after the first are no-ops, and releasing an instance that never
// acquired is a local no-op with no remote call. A failed remote unlock is
// logged and counted but never returned, because closing the session releases
// the lock at the service anyway; the returned error only reports a failure
// to close the connection itself.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateReleased {
		return nil
	}
	if l.state == stateIdle {
		l.state = stateReleased
		return nil
	}

	var released bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.advisoryKey).Scan(&released); err != nil {
		metrics.RecordReleaseFailure()
		l.logger.Warn().Err(err).Msg("advisory unlock failed, relying on session teardown")
	} else if !released {
		l.logger.Warn().Msg("advisory lock was not held by this session")
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := l.conn.Close(closeCtx)

	l.conn = nil
	l.state = stateReleased
	metrics.DecHeldLocks()
	l.logger.Debug().Msg("lock released")

	if err != nil {
		return fmt.Errorf("lock %q: closing session: %w", l.key, err)
	}
	return nil
}

// closeConn tears down a session that never produced a grant. A fresh
// context is used because the caller's may already be canceled.
func (l *Lock) closeConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		l.logger.Debug().Err(err).Msg("closing session after failed acquisition")
	}
}

// Held reports whether this instance currently holds its lock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == stateHeld
}

// Key returns the lock's key.
func (l *Lock) Key() string {
	return l.key
}

// HolderID returns the unique identifier of this instance, also set as the
// session's application_name for debugging on the database side.
func (l *Lock) HolderID() string {
	return l.holderID
}
