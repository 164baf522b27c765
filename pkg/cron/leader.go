package cron

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daino/tenantcore/internal/platform"
)

// leaderLock holds cluster-wide leadership for one tick, backed by a
// Postgres session advisory lock. The ticker runs once cluster-wide and
// fails closed on loss of leadership.
type leaderLock struct {
	lock *platform.AdvisoryLock
}

func tryAcquireLeadership(ctx context.Context, db *pgxpool.Pool, lockID int64) (*leaderLock, bool, error) {
	lock, ok, err := platform.TryAcquireAdvisoryLock(ctx, db, lockID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &leaderLock{lock: lock}, true, nil
}

func (l *leaderLock) release(ctx context.Context) {
	if l == nil {
		return
	}
	_ = l.lock.Release(ctx)
}
