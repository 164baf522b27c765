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

	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// dbtx is the subset of *pgxpool.Pool and pgx.Tx this package needs, so
// helpers can run either standalone or inside an existing transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Complete marks a running job completed and stores its result.
func (e *Engine) Complete(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	if result == nil {
		result = json.RawMessage(`null`)
	}
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobType string
	var startedAt *time.Time
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET status = 'completed', result = $2, completed_at = now(), updated_at = now(),
		       lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status IN ('running', 'cancelling')
		RETURNING type, started_at
	`, jobID, []byte(result)).Scan(&jobType, &startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenanterr.NotFound
		}
		return fmt.Errorf("completing job: %w", err)
	}

	if err := e.recordHistoryTimed(ctx, tx, jobID, StatusCompleted, "completed", &result, nil, "", startedAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing complete: %w", err)
	}
	telemetry.JobsCompletedTotal.WithLabelValues(jobType, "completed").Inc()
	if startedAt != nil {
		telemetry.JobLeaseDuration.WithLabelValues(jobType).Observe(time.Since(*startedAt).Seconds())
	}
	return nil
}

// Fail applies the retry policy: if retry_count < max_retries, the job
// goes back to pending with an incremented retry count and a backoff delay;
// otherwise it is terminally failed.
func (e *Engine) Fail(ctx context.Context, jobID uuid.UUID, cause error) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var retryCount, maxRetries int
	var jobType string
	var startedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT retry_count, max_retries, type, started_at FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&retryCount, &maxRetries, &jobType, &startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenanterr.NotFound
		}
		return fmt.Errorf("loading job for fail: %w", err)
	}

	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if retryCount < maxRetries {
		nextRetry := retryCount + 1
		delay := RetryBackoff(nextRetry, e.retryBase, e.retryCap)
		nextScheduled := time.Now().UTC().Add(delay)

		_, err = tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', retry_count = $2, scheduled_at = $3, last_error = $4,
			    updated_at = now(), lease_owner = NULL, lease_expires_at = NULL
			WHERE id = $1
		`, jobID, nextRetry, nextScheduled, message)
		if err != nil {
			return fmt.Errorf("scheduling retry: %w", err)
		}
		if err := e.recordHistory(ctx, tx, jobID, StatusPending, fmt.Sprintf("retry %d scheduled", nextRetry), nil, nil, message); err != nil {
			return err
		}

		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', failed_at = now(), last_error = $2, updated_at = now(),
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1
	`, jobID, message)
	if err != nil {
		return fmt.Errorf("failing job terminally: %w", err)
	}
	if err := e.recordHistoryTimed(ctx, tx, jobID, StatusFailed, "terminal failure", nil, nil, message, startedAt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing terminal fail: %w", err)
	}
	telemetry.JobsCompletedTotal.WithLabelValues(jobType, "failed").Inc()
	if startedAt != nil {
		telemetry.JobLeaseDuration.WithLabelValues(jobType).Observe(time.Since(*startedAt).Seconds())
	}
	return nil
}

// Cancel requests cooperative cancellation: a pending job is cancelled
// immediately; a running job is marked cancelling, and the worker must
// observe that status and transition to cancelled at its next safe point.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning cancel transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status Status
	var jobType string
	var startedAt *time.Time
	err = tx.QueryRow(ctx, `SELECT status, type, started_at FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status, &jobType, &startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenanterr.NotFound
		}
		return fmt.Errorf("loading job for cancel: %w", err)
	}

	cancelledNow := false
	switch status {
	case StatusPending:
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'cancelled', cancelled_at = now(), updated_at = now() WHERE id = $1
		`, jobID); err != nil {
			return fmt.Errorf("cancelling pending job: %w", err)
		}
		if err := e.recordHistory(ctx, tx, jobID, StatusCancelled, "cancelled while pending", nil, nil, ""); err != nil {
			return err
		}
		cancelledNow = true
	case StatusRunning:
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'cancelling', updated_at = now() WHERE id = $1
		`, jobID); err != nil {
			return fmt.Errorf("requesting cancellation: %w", err)
		}
		if err := e.recordHistory(ctx, tx, jobID, StatusCancelling, "cancellation requested", nil, nil, ""); err != nil {
			return err
		}
	default:
		// Already terminal (or cancelling already requested): no-op.
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing cancel: %w", err)
	}
	if cancelledNow {
		telemetry.JobsCompletedTotal.WithLabelValues(jobType, "cancelled").Inc()
		if startedAt != nil {
			telemetry.JobLeaseDuration.WithLabelValues(jobType).Observe(time.Since(*startedAt).Seconds())
		}
	}
	return nil
}

// ObserveCancelling lets a running worker poll whether its job has been
// asked to stop, and finalize the cancellation at its own safe point.
func (e *Engine) ObserveCancelling(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var status Status
	err := e.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, tenanterr.NotFound
		}
		return false, fmt.Errorf("checking job status: %w", err)
	}
	return status == StatusCancelling, nil
}

// FinalizeCancellation transitions a cancelling job to cancelled, called by
// the worker once it has observed the request and reached a safe point.
func (e *Engine) FinalizeCancellation(ctx context.Context, jobID uuid.UUID) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var jobType string
	var startedAt *time.Time
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET status = 'cancelled', cancelled_at = now(), updated_at = now(),
		       lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'cancelling'
		RETURNING type, started_at
	`, jobID).Scan(&jobType, &startedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenanterr.NotFound
		}
		return fmt.Errorf("finalizing cancellation: %w", err)
	}
	if err := e.recordHistoryTimed(ctx, tx, jobID, StatusCancelled, "cancellation observed and finalized", nil, nil, "", startedAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing finalize cancellation: %w", err)
	}
	telemetry.JobsCompletedTotal.WithLabelValues(jobType, "cancelled").Inc()
	if startedAt != nil {
		telemetry.JobLeaseDuration.WithLabelValues(jobType).Observe(time.Since(*startedAt).Seconds())
	}
	return nil
}

// UpdateProgress records a worker's progress checkpoint without changing
// status.
func (e *Engine) UpdateProgress(ctx context.Context, jobID uuid.UUID, progress float64, message string) error {
	tag, err := e.db.Exec(ctx, `
		UPDATE jobs SET progress = $2, progress_message = $3, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`, jobID, progress, message)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenanterr.NotFound
	}
	return nil
}

// GetJob fetches a single job by id.
func (e *Engine) GetJob(ctx context.Context, jobID uuid.UUID) (Job, error) {
	jobs, err := e.scanJobsByIDs(ctx, e.db, []uuid.UUID{jobID})
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, tenanterr.NotFound
	}
	return jobs[0], nil
}

// JobHistoryEntry is one row of a job's transition log.
type JobHistoryEntry struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	Status     Status
	Message    string
	Progress   *float64
	Result     json.RawMessage
	Error      string
	ExecutedAt time.Time
	DurationMS *int64
}

// ListJobHistory returns a job's transition rows newest-first, keyset-paginated
// on (executed_at, id) so high-volume history never pays an OFFSET scan.
// Pass limit+1 rows' worth of appetite to the caller's cursor helper; this
// method itself just applies after/limit literally.
func (e *Engine) ListJobHistory(ctx context.Context, jobID uuid.UUID, after *time.Time, afterID *uuid.UUID, limit int) ([]JobHistoryEntry, error) {
	query := `
		SELECT id, job_id, status, message, progress, result, error, executed_at, duration_ms
		FROM job_history
		WHERE job_id = $1`
	args := []any{jobID}
	if after != nil && afterID != nil {
		query += ` AND (executed_at, id) < ($2, $3)`
		args = append(args, *after, *afterID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY executed_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing job history: %w", err)
	}
	defer rows.Close()

	var out []JobHistoryEntry
	for rows.Next() {
		var h JobHistoryEntry
		var result []byte
		if err := rows.Scan(&h.ID, &h.JobID, &h.Status, &h.Message, &h.Progress, &result, &h.Error, &h.ExecutedAt, &h.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning job history: %w", err)
		}
		h.Result = result
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job history: %w", err)
	}
	return out, nil
}

// TrimHistory bounds the history table's growth: it deletes job_history
// rows older than retention, then removes terminal jobs whose every history
// row has aged out with them. Returns the number of history rows removed.
func (e *Engine) TrimHistory(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)

	tag, err := e.db.Exec(ctx, `DELETE FROM job_history WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trimming job history: %w", err)
	}
	trimmed := int(tag.RowsAffected())

	if _, err := e.db.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < $1
		  AND NOT EXISTS (SELECT 1 FROM job_history h WHERE h.job_id = jobs.id)
	`, cutoff); err != nil {
		return trimmed, fmt.Errorf("trimming terminal jobs: %w", err)
	}

	return trimmed, nil
}

func (e *Engine) recordHistory(ctx context.Context, tx dbtx, jobID uuid.UUID, status Status, message string, result *json.RawMessage, progress *float64, errMsg string) error {
	return e.recordHistoryTimed(ctx, tx, jobID, status, message, result, progress, errMsg, nil)
}

func (e *Engine) recordHistoryTimed(ctx context.Context, tx dbtx, jobID uuid.UUID, status Status, message string, result *json.RawMessage, progress *float64, errMsg string, startedAt *time.Time) error {
	var resultBytes []byte
	if result != nil {
		resultBytes = []byte(*result)
	}
	var durationMS *int64
	if startedAt != nil {
		ms := time.Since(*startedAt).Milliseconds()
		durationMS = &ms
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO job_history (id, job_id, status, message, progress, result, error, executed_at, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),$8)
	`, uuid.New(), jobID, status, message, progress, resultBytes, errMsg, durationMS)
	if err != nil {
		return fmt.Errorf("recording job history: %w", err)
	}
	return nil
}

// ListJobs returns a page of jobs ordered newest-first, optionally filtered
// to a single store, for the operator-facing job listing endpoint. total is
// the row count under the same store filter, used to compute the page count.
func (e *Engine) ListJobs(ctx context.Context, storeID *uuid.UUID, offset, limit int) ([]Job, int, error) {
	var total int
	if err := e.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE $1::uuid IS NULL OR store_id = $1`, storeID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	rows, err := e.db.Query(ctx, `
		SELECT id, type, priority, status, payload, result, scheduled_at, started_at, completed_at, failed_at,
		       cancelled_at, retry_count, max_retries, last_error, progress, progress_message, metadata,
		       store_id, user_id, dedupe_key, lease_owner, lease_expires_at, created_at, updated_at
		FROM jobs
		WHERE $1::uuid IS NULL OR store_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, storeID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var payload, result, metadata []byte
		if err := rows.Scan(&j.ID, &j.Type, &j.Priority, &j.Status, &payload, &result, &j.ScheduledAt, &j.StartedAt,
			&j.CompletedAt, &j.FailedAt, &j.CancelledAt, &j.RetryCount, &j.MaxRetries, &j.LastError, &j.Progress,
			&j.ProgressMessage, &metadata, &j.StoreID, &j.UserID, &j.DedupeKey, &j.LeaseOwner, &j.LeaseExpiresAt,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning job: %w", err)
		}
		j.Payload = payload
		j.Result = result
		j.Metadata = metadata
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating jobs: %w", err)
	}
	return out, total, nil
}

func (e *Engine) scanJobsByIDs(ctx context.Context, tx dbtx, ids []uuid.UUID) ([]Job, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, type, priority, status, payload, result, scheduled_at, started_at, completed_at, failed_at,
		       cancelled_at, retry_count, max_retries, last_error, progress, progress_message, metadata,
		       store_id, user_id, dedupe_key, lease_owner, lease_expires_at, created_at, updated_at
		FROM jobs WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var payload, result, metadata []byte
		if err := rows.Scan(&j.ID, &j.Type, &j.Priority, &j.Status, &payload, &result, &j.ScheduledAt, &j.StartedAt,
			&j.CompletedAt, &j.FailedAt, &j.CancelledAt, &j.RetryCount, &j.MaxRetries, &j.LastError, &j.Progress,
			&j.ProgressMessage, &metadata, &j.StoreID, &j.UserID, &j.DedupeKey, &j.LeaseOwner, &j.LeaseExpiresAt,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		j.Payload = payload
		j.Result = result
		j.Metadata = metadata
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating jobs: %w", err)
	}
	return out, nil
}
