package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/daino/tenantcore/pkg/tenanterr"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// CreateStore allocates a new Store in pending_database status. It fails
// with tenanterr.Conflict if the slug is already taken.
func (r *Registry) CreateStore(ctx context.Context, ownerID uuid.UUID, slug string) (Store, error) {
	if !slugPattern.MatchString(slug) {
		return Store{}, tenanterr.Wrap(tenanterr.KindInvalidInput, fmt.Sprintf("slug %q must match [a-z0-9-]+", slug), nil)
	}

	now := time.Now().UTC()
	store := Store{
		ID:        uuid.New(),
		Slug:      slug,
		UserID:    ownerID,
		Status:    StoreStatusPendingDatabase,
		IsActive:  false,
		Published: false,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO stores (id, slug, user_id, status, is_active, published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, store.ID, store.Slug, store.UserID, store.Status, store.IsActive, store.Published, store.CreatedAt, store.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Store{}, tenanterr.Wrap(tenanterr.KindConflict, fmt.Sprintf("slug %q already taken", slug), err)
		}
		return Store{}, fmt.Errorf("inserting store: %w", err)
	}

	return store, nil
}

// GetStore fetches a store by id.
func (r *Registry) GetStore(ctx context.Context, storeID uuid.UUID) (Store, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, slug, user_id, status, is_active, published, created_at, updated_at
		FROM stores WHERE id = $1
	`, storeID)
	return scanStore(row)
}

// FindStoreBySlug fetches a store by its unique slug.
func (r *Registry) FindStoreBySlug(ctx context.Context, slug string) (Store, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, slug, user_id, status, is_active, published, created_at, updated_at
		FROM stores WHERE slug = $1
	`, strings.ToLower(slug))
	return scanStore(row)
}

// FindStoreByHostname resolves a hostname (case-insensitive) to its bound
// store via store_hostnames, preferring the primary hostname row.
func (r *Registry) FindStoreByHostname(ctx context.Context, hostname string) (Store, error) {
	row := r.db.QueryRow(ctx, `
		SELECT s.id, s.slug, s.user_id, s.status, s.is_active, s.published, s.created_at, s.updated_at
		FROM stores s
		JOIN store_hostnames h ON h.store_id = s.id
		WHERE lower(h.hostname) = lower($1)
		ORDER BY h.is_primary DESC
		LIMIT 1
	`, hostname)
	return scanStore(row)
}

// SetStatus transitions a store to a new status, touching updated_at.
func (r *Registry) SetStatus(ctx context.Context, storeID uuid.UUID, status StoreStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stores SET status = $2, updated_at = now() WHERE id = $1
	`, storeID, status)
	if err != nil {
		return fmt.Errorf("updating store status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenanterr.NotFound
	}
	return nil
}

// SetActive flips is_active. Per the data model invariant, is_active=true
// implies status=active, so callers must only set active=true once the
// store has actually reached StoreStatusActive.
func (r *Registry) SetActive(ctx context.Context, storeID uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stores SET is_active = $2, updated_at = now() WHERE id = $1
	`, storeID, active)
	if err != nil {
		return fmt.Errorf("updating store is_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenanterr.NotFound
	}
	return nil
}

func scanStore(row pgx.Row) (Store, error) {
	var s Store
	err := row.Scan(&s.ID, &s.Slug, &s.UserID, &s.Status, &s.IsActive, &s.Published, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Store{}, tenanterr.NotFound
		}
		return Store{}, fmt.Errorf("scanning store: %w", err)
	}
	return s, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
