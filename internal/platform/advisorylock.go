package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLock wraps a single dedicated connection holding a Postgres session
// advisory lock. The lock is released when the underlying connection closes,
// so losing the connection fails closed — exactly the leader-election
// semantics the Cron Scheduler needs.
type AdvisoryLock struct {
	conn   *pgxpool.Conn
	lockID int64
}

// TryAcquireAdvisoryLock attempts to take the named session-level advisory
// lock without blocking. ok is false if another process already holds it.
func TryAcquireAdvisoryLock(ctx context.Context, pool *pgxpool.Pool, lockID int64) (*AdvisoryLock, bool, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}

	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	return &AdvisoryLock{conn: conn, lockID: lockID}, true, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
// Safe to call once; subsequent calls are no-ops.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()

	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	if err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}

// Ping verifies the lock-holding connection is still alive. A failure here
// means the session (and the lock with it) is gone and the caller must step
// down as leader.
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	return l.conn.Conn().Ping(ctx)
}
