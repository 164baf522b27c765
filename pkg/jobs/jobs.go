// Package jobs implements the durable job engine: a Postgres-backed queue with
// SELECT ... FOR UPDATE SKIP LOCKED leasing, exponential backoff retry, a
// dedupe key that collapses redundant enqueues, and cooperative
// cancellation.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// Priority orders pending jobs within a lease batch, highest first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Status is a Job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one queued unit of work.
type Job struct {
	ID              uuid.UUID
	Type            string
	Priority        Priority
	Status          Status
	Payload         json.RawMessage
	Result          json.RawMessage
	ScheduledAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	CancelledAt     *time.Time
	RetryCount      int
	MaxRetries      int
	LastError       string
	Progress        float64
	ProgressMessage string
	Metadata        json.RawMessage
	StoreID         *uuid.UUID
	UserID          *uuid.UUID
	DedupeKey       *string
	LeaseOwner      *string
	LeaseExpiresAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EnqueueOptions configures a new job beyond its type and payload.
type EnqueueOptions struct {
	Priority    Priority
	ScheduledAt time.Time
	MaxRetries  int
	StoreID     *uuid.UUID
	UserID      *uuid.UUID
	Metadata    json.RawMessage
	DedupeKey   string
}

// RetryBackoff computes backoff(n) = min(cap, base * 2^(n-1)), the delay
// before retry n becomes leasable again.
func RetryBackoff(retryCount int, base, cap time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// Engine is the Job Engine, backed by the master database's jobs and
// job_history tables.
type Engine struct {
	db         *pgxpool.Pool
	retryBase  time.Duration
	retryCap   time.Duration
}

// New constructs an Engine. retryBase/retryCap default to 30s/1h when
// zero.
func New(db *pgxpool.Pool, retryBase, retryCap time.Duration) *Engine {
	if retryBase <= 0 {
		retryBase = 30 * time.Second
	}
	if retryCap <= 0 {
		retryCap = time.Hour
	}
	return &Engine{db: db, retryBase: retryBase, retryCap: retryCap}
}

// Enqueue inserts a new job, or, if opts.DedupeKey is set and a live
// (pending/running/cancelling) job already holds that key, returns the
// existing job's id instead of creating a second one.
func (e *Engine) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (uuid.UUID, error) {
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.ScheduledAt.IsZero() {
		opts.ScheduledAt = time.Now().UTC()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Metadata == nil {
		opts.Metadata = json.RawMessage(`{}`)
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	id := uuid.New()
	var dedupe *string
	if opts.DedupeKey != "" {
		dedupe = &opts.DedupeKey
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if dedupe != nil {
		var existing uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT id FROM jobs
			WHERE dedupe_key = $1 AND status IN ('pending', 'running', 'cancelling')
			LIMIT 1
		`, *dedupe).Scan(&existing)
		if err == nil {
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("checking dedupe key: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs
			(id, type, priority, status, payload, scheduled_at, max_retries, metadata, store_id, user_id, dedupe_key, created_at, updated_at)
		VALUES ($1,$2,$3,'pending',$4,$5,$6,$7,$8,$9,$10,now(),now())
	`, id, jobType, opts.Priority, []byte(payload), opts.ScheduledAt, opts.MaxRetries, []byte(opts.Metadata), opts.StoreID, opts.UserID, dedupe)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the dedupe race to a concurrent enqueue; re-read inside the
			// same transaction's snapshot is not visible yet, so retry once
			// outside this transaction.
			_ = tx.Rollback(ctx)
			if dedupe != nil {
				var existing uuid.UUID
				if qerr := e.db.QueryRow(ctx, `
					SELECT id FROM jobs
					WHERE dedupe_key = $1 AND status IN ('pending', 'running', 'cancelling')
					LIMIT 1
				`, *dedupe).Scan(&existing); qerr == nil {
					return existing, nil
				}
			}
			return uuid.Nil, tenanterr.Wrap(tenanterr.KindConflict, "concurrent enqueue with same dedupe key", err)
		}
		return uuid.Nil, fmt.Errorf("inserting job: %w", err)
	}

	if err := e.recordHistory(ctx, tx, id, StatusPending, "enqueued", nil, nil, ""); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing enqueue: %w", err)
	}
	telemetry.JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
	return id, nil
}

// Lease atomically transitions up to n pending, due jobs of the given types
// to running, using FOR UPDATE SKIP LOCKED so concurrent workers never lease
// the same row.
func (e *Engine) Lease(ctx context.Context, workerID string, typesAllowed []string, n int, visibilityTimeout time.Duration) ([]Job, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM jobs
		WHERE status = 'pending'
		  AND scheduled_at <= now()
		  AND type = ANY($1)
		ORDER BY
			CASE priority
				WHEN 'urgent' THEN 3
				WHEN 'high'   THEN 2
				WHEN 'normal' THEN 1
				WHEN 'low'    THEN 0
				ELSE 1
			END DESC,
			scheduled_at ASC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, typesAllowed, n)
	if err != nil {
		return nil, fmt.Errorf("selecting leasable jobs: %w", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning leasable job id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leasable jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	leaseExpires := time.Now().UTC().Add(visibilityTimeout)
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = now(), updated_at = now(),
		    lease_owner = $2, lease_expires_at = $3
		WHERE id = ANY($1)
	`, ids, workerID, leaseExpires)
	if err != nil {
		return nil, fmt.Errorf("marking jobs running: %w", err)
	}

	for _, id := range ids {
		if err := e.recordHistory(ctx, tx, id, StatusRunning, "leased by "+workerID, nil, nil, ""); err != nil {
			return nil, err
		}
	}

	jobs, err := e.scanJobsByIDs(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}
	return jobs, nil
}

// ReleaseExpiredLeases returns expired-visibility running jobs to pending
// with an incremented retry count, so jobs whose worker crashed mid-lease
// become re-leasable.
func (e *Engine) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	tag, err := e.db.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', retry_count = retry_count + 1, lease_owner = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("releasing expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505), e.g. the dedupe key partial unique index.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
