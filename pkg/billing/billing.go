// Package billing implements the uptime billing job: a periodic sweep that
// appends one credit transaction per active store, charging for the period
// its tenant database was provisioned and serving. The charge id is derived
// deterministically from (store, period), so a retried or duplicate sweep
// never double-charges.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobType is the job_type the standing cron entry uses to enqueue an uptime
// billing sweep.
const JobType = "uptime_billing"

// Handler runs one uptime billing sweep over all active stores.
type Handler struct {
	db        *pgxpool.Pool
	rateCents int64
	logger    *slog.Logger
}

// New constructs a Handler. rateCents is the amount charged per active store
// per sweep period.
func New(db *pgxpool.Pool, rateCents int64, logger *slog.Logger) *Handler {
	return &Handler{db: db, rateCents: rateCents, logger: logger}
}

// Result summarizes one sweep, for the job result payload.
type Result struct {
	Considered int
	Charged    int
	Skipped    int
}

// Run charges every active store for the current period. The period label is
// the sweep's UTC date, and the transaction id is derived from it, so
// re-running a sweep for the same day inserts nothing new. Cancellation is
// observed between stores; a cancelled sweep keeps the charges already
// written and the next run fills in the rest.
func (h *Handler) Run(ctx context.Context, now time.Time) (Result, error) {
	period := now.UTC().Format("2006-01-02")

	rows, err := h.db.Query(ctx, `SELECT id FROM stores WHERE is_active AND status = 'active'`)
	if err != nil {
		return Result{}, fmt.Errorf("listing active stores: %w", err)
	}
	defer rows.Close()

	var storeIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return Result{}, fmt.Errorf("scanning store id: %w", err)
		}
		storeIDs = append(storeIDs, id)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterating active stores: %w", err)
	}

	var res Result
	for _, storeID := range storeIDs {
		res.Considered++

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		txID := ChargeID(storeID, period)
		tag, err := h.db.Exec(ctx, `
			INSERT INTO credit_transactions (id, store_id, amount_cents, reason, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (id) DO NOTHING
		`, txID, storeID, -h.rateCents, "uptime:"+period)
		if err != nil {
			return res, fmt.Errorf("charging store %s: %w", storeID, err)
		}
		if tag.RowsAffected() == 0 {
			res.Skipped++
			continue
		}
		res.Charged++
	}

	h.logger.InfoContext(ctx, "uptime billing sweep complete",
		"period", period, "considered", res.Considered, "charged", res.Charged, "skipped", res.Skipped)
	return res, nil
}

// ChargeID derives the deterministic transaction id for one store's charge in
// one period.
func ChargeID(storeID uuid.UUID, period string) uuid.UUID {
	return uuid.NewSHA1(storeID, []byte("uptime:"+period))
}
