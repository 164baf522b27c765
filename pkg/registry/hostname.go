package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddHostname binds a hostname to a store. If primary is true, any existing
// primary hostname for that store is demoted first, in the same transaction,
// honoring the "at most one is_primary per store_id" invariant.
func (r *Registry) AddHostname(ctx context.Context, storeID uuid.UUID, hostname, slug string, primary, customDomain bool) (StoreHostname, error) {
	hostname = strings.ToLower(hostname)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return StoreHostname{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if primary {
		if _, err := tx.Exec(ctx, `
			UPDATE store_hostnames SET is_primary = false WHERE store_id = $1 AND is_primary
		`, storeID); err != nil {
			return StoreHostname{}, fmt.Errorf("demoting existing primary hostname: %w", err)
		}
	}

	h := StoreHostname{
		ID:             uuid.New(),
		StoreID:        storeID,
		Hostname:       hostname,
		Slug:           slug,
		IsPrimary:      primary,
		IsCustomDomain: customDomain,
		SSLEnabled:     customDomain,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO store_hostnames (id, store_id, hostname, slug, is_primary, is_custom_domain, ssl_enabled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (hostname) DO UPDATE SET
			store_id = EXCLUDED.store_id,
			slug = EXCLUDED.slug,
			is_primary = EXCLUDED.is_primary,
			is_custom_domain = EXCLUDED.is_custom_domain,
			ssl_enabled = EXCLUDED.ssl_enabled
	`, h.ID, h.StoreID, h.Hostname, h.Slug, h.IsPrimary, h.IsCustomDomain, h.SSLEnabled, h.CreatedAt)
	if err != nil {
		return StoreHostname{}, fmt.Errorf("inserting hostname: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return StoreHostname{}, fmt.Errorf("committing transaction: %w", err)
	}

	return h, nil
}

// HostnameSlug extracts the tenant slug candidate from a hostname: the first
// label, or the second label if the first is "www".
func HostnameSlug(hostname string) string {
	hostname = strings.ToLower(hostname)
	labels := strings.Split(hostname, ".")
	if len(labels) == 0 {
		return ""
	}
	if labels[0] == "www" && len(labels) > 1 {
		return labels[1]
	}
	return labels[0]
}
