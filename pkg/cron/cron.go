// Package cron implements the cron scheduler: computing next-run times
// for cron entries against robfig/cron's standard 5-field parser, and on
// each tick enqueueing due entries into the job engine. Exactly one
// process in the cluster runs a given scheduler's tick loop at a time,
// enforced by a Postgres session advisory lock (internal/platform); losing
// the lock fails the scheduler closed rather than double-enqueueing.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	cronlib "github.com/robfig/cron/v3"

	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/pkg/jobs"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// parser is the standard 5-field cron parser (minute hour dom month dow), as
// used by the token refresh scheduler's default "*/30 * * * *" entry and
// every user/plugin/integration-sourced entry alike.
var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// Entry is one row of cron_jobs.
type Entry struct {
	ID                  uuid.UUID
	CronExpression      string
	Timezone            string
	JobType             string
	Configuration       json.RawMessage
	Source              string
	IsActive            bool
	IsPaused            bool
	LastRunAt           *time.Time
	NextRunAt           *time.Time
	ConsecutiveFailures int
	MaxFailures         int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JobEnqueuer is the subset of the job engine the scheduler needs: it only
// ever enqueues, never leases or completes.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts jobs.EnqueueOptions) (uuid.UUID, error)
}

// Scheduler computes next-run times and, while holding cluster leadership,
// ticks active cron entries into jobs.
type Scheduler struct {
	db           *pgxpool.Pool
	jobs         JobEnqueuer
	logger       *slog.Logger
	tickInterval time.Duration
	lockID       int64
}

// New constructs a Scheduler. tickInterval defaults to 15s when zero;
// lockID is the advisory lock id used for leader election.
func New(db *pgxpool.Pool, enqueuer JobEnqueuer, logger *slog.Logger, tickInterval time.Duration, lockID int64) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 15 * time.Second
	}
	return &Scheduler{db: db, jobs: enqueuer, logger: logger, tickInterval: tickInterval, lockID: lockID}
}

// NextRun computes the soonest future instant matching expr in the named
// timezone, strictly after after. Returns tenanterr.InvalidInput if expr
// does not parse or tz is not a known timezone.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, tenanterr.Wrap(tenanterr.KindInvalidInput, fmt.Sprintf("unknown timezone %q", tz), err)
	}
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, tenanterr.Wrap(tenanterr.KindInvalidInput, fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return schedule.Next(after.In(loc)), nil
}

// Register inserts a new active cron entry with next_run_at computed from
// now, or returns an error if the expression/timezone is invalid.
func (s *Scheduler) Register(ctx context.Context, expr, tz, jobType string, configuration json.RawMessage, source string, maxFailures int) (Entry, error) {
	if tz == "" {
		tz = "UTC"
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	next, err := NextRun(expr, tz, time.Now().UTC())
	if err != nil {
		return Entry{}, err
	}
	if configuration == nil {
		configuration = json.RawMessage(`{}`)
	}

	e := Entry{
		ID:             uuid.New(),
		CronExpression: expr,
		Timezone:       tz,
		JobType:        jobType,
		Configuration:  configuration,
		Source:         source,
		IsActive:       true,
		NextRunAt:      &next,
		MaxFailures:    maxFailures,
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO cron_jobs
			(id, cron_expression, timezone, job_type, configuration, source, is_active, is_paused,
			 next_run_at, consecutive_failures, max_failures, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,true,false,$7,0,$8,now(),now())
		RETURNING created_at, updated_at
	`, e.ID, e.CronExpression, e.Timezone, e.JobType, []byte(e.Configuration), e.Source, e.NextRunAt, e.MaxFailures)
	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, fmt.Errorf("inserting cron entry: %w", err)
	}
	return e, nil
}

// Run holds the scheduler's leader-election + tick loop until ctx is
// cancelled. Only one process cluster-wide makes progress at a time: a
// failed lock acquisition retries on the next interval rather than ticking
// without leadership.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tickAsLeaderOrSkip(ctx)
		}
	}
}

func (s *Scheduler) tickAsLeaderOrSkip(ctx context.Context) {
	lock, acquired, err := tryAcquireLeadership(ctx, s.db, s.lockID)
	if err != nil {
		s.logger.ErrorContext(ctx, "cron leader election failed", "error", err)
		return
	}
	if !acquired {
		// Another process holds leadership this tick; quietly skip.
		return
	}
	defer lock.release(ctx)

	if err := s.Tick(ctx); err != nil {
		s.logger.ErrorContext(ctx, "cron tick failed", "error", err)
	}
}

// Tick runs one pass: enqueue every due, active, unpaused entry, then
// advance its next_run_at. Called directly by tests and by Run under
// leadership; callers running it outside Run are responsible for their own
// leader election.
func (s *Scheduler) Tick(ctx context.Context) error {
	telemetry.CronTicksTotal.Inc()

	entries, err := s.dueEntries(ctx)
	if err != nil {
		return fmt.Errorf("loading due cron entries: %w", err)
	}

	for _, e := range entries {
		s.fireEntry(ctx, e)
	}
	return nil
}

func (s *Scheduler) dueEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, cron_expression, timezone, job_type, configuration, source, is_active, is_paused,
		       last_run_at, next_run_at, consecutive_failures, max_failures, created_at, updated_at
		FROM cron_jobs
		WHERE is_active AND NOT is_paused AND next_run_at <= now()
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var config []byte
		if err := rows.Scan(&e.ID, &e.CronExpression, &e.Timezone, &e.JobType, &config, &e.Source, &e.IsActive,
			&e.IsPaused, &e.LastRunAt, &e.NextRunAt, &e.ConsecutiveFailures, &e.MaxFailures, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Configuration = config
		out = append(out, e)
	}
	return out, rows.Err()
}

// fireEntry enqueues one due entry's job and advances its schedule. It
// never lets one entry's failure stop the tick for the rest.
func (s *Scheduler) fireEntry(ctx context.Context, e Entry) {
	now := time.Now().UTC()

	jobID, err := s.jobs.Enqueue(ctx, e.JobType, e.Configuration, jobs.EnqueueOptions{Priority: jobs.PriorityNormal})
	if err != nil {
		s.onEnqueueFailure(ctx, e, err)
		return
	}
	s.recordExecution(ctx, e.ID, &jobID, "enqueued")
	telemetry.CronEnqueuedTotal.WithLabelValues(e.JobType).Inc()

	next, err := NextRun(e.CronExpression, e.Timezone, now)
	if err != nil {
		// The expression/timezone stopped resolving to a valid instant
		// (e.g. edited concurrently to something invalid): quietly skip
		// further firing rather than enqueueing forever with a stale
		// next_run_at.
		s.logger.WarnContext(ctx, "cron entry has no next valid instant, pausing", "cron_job_id", e.ID, "error", err)
		s.pause(ctx, e.ID)
		return
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE cron_jobs
		SET last_run_at = $2, next_run_at = $3, consecutive_failures = 0, updated_at = now()
		WHERE id = $1
	`, e.ID, now, next); err != nil {
		s.logger.ErrorContext(ctx, "advancing cron schedule", "cron_job_id", e.ID, "error", err)
	}
}

func (s *Scheduler) onEnqueueFailure(ctx context.Context, e Entry, cause error) {
	s.logger.ErrorContext(ctx, "cron enqueue failed", "cron_job_id", e.ID, "job_type", e.JobType, "error", cause)
	s.recordExecution(ctx, e.ID, nil, "enqueue_failed")

	failures := e.ConsecutiveFailures + 1
	shouldPause := failures >= e.MaxFailures

	if _, err := s.db.Exec(ctx, `
		UPDATE cron_jobs
		SET consecutive_failures = $2, is_paused = $3, updated_at = now()
		WHERE id = $1
	`, e.ID, failures, shouldPause); err != nil {
		s.logger.ErrorContext(ctx, "recording cron enqueue failure", "cron_job_id", e.ID, "error", err)
	}
}

// recordExecution appends one row to the entry's execution log. The log is
// observability, not control flow, so a failed insert only warns.
func (s *Scheduler) recordExecution(ctx context.Context, entryID uuid.UUID, jobID *uuid.UUID, outcome string) {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO cron_job_executions (id, cron_job_id, job_id, executed_at, outcome)
		VALUES ($1, $2, $3, now(), $4)
	`, uuid.New(), entryID, jobID, outcome); err != nil {
		s.logger.WarnContext(ctx, "recording cron execution", "cron_job_id", entryID, "error", err)
	}
}

func (s *Scheduler) pause(ctx context.Context, id uuid.UUID) {
	if _, err := s.db.Exec(ctx, `UPDATE cron_jobs SET is_paused = true, updated_at = now() WHERE id = $1`, id); err != nil {
		s.logger.ErrorContext(ctx, "pausing cron entry", "cron_job_id", id, "error", err)
	}
}

// GetEntry fetches a single cron entry by id.
func (s *Scheduler) GetEntry(ctx context.Context, id uuid.UUID) (Entry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, cron_expression, timezone, job_type, configuration, source, is_active, is_paused,
		       last_run_at, next_run_at, consecutive_failures, max_failures, created_at, updated_at
		FROM cron_jobs WHERE id = $1
	`, id)
	var e Entry
	var config []byte
	err := row.Scan(&e.ID, &e.CronExpression, &e.Timezone, &e.JobType, &config, &e.Source, &e.IsActive,
		&e.IsPaused, &e.LastRunAt, &e.NextRunAt, &e.ConsecutiveFailures, &e.MaxFailures, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Entry{}, tenanterr.NotFound
		}
		return Entry{}, err
	}
	e.Configuration = config
	return e, nil
}

// RegisterIfAbsent calls Register only if no entry for jobType already
// exists, so a process can bootstrap its standing cron entries on every
// startup without accumulating duplicate rows.
func (s *Scheduler) RegisterIfAbsent(ctx context.Context, expr, tz, jobType string, configuration json.RawMessage, source string, maxFailures int) (Entry, error) {
	var existing uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM cron_jobs WHERE job_type = $1 LIMIT 1`, jobType).Scan(&existing)
	switch {
	case err == nil:
		return s.GetEntry(ctx, existing)
	case errors.Is(err, pgx.ErrNoRows):
		return s.Register(ctx, expr, tz, jobType, configuration, source, maxFailures)
	default:
		return Entry{}, fmt.Errorf("checking for existing cron entry: %w", err)
	}
}
