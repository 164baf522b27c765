package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daino/tenantcore/pkg/tenanterr"
)

// UpsertIntegrationToken is idempotent: it resets consecutive_failures and
// last_refresh_error and sets status back to active. credentials
// is the raw provider secret (e.g. a refresh token); it is wrapped through
// the vault before storage, the same as StoreDatabase credentials.
func (r *Registry) UpsertIntegrationToken(ctx context.Context, storeID uuid.UUID, integrationType, configKey, credentials string, expiresAt time.Time, refreshExpiresAt *time.Time, maxFailures int) (IntegrationToken, error) {
	blob, err := r.vault.WrapString(credentials)
	if err != nil {
		return IntegrationToken{}, fmt.Errorf("wrapping integration credentials: %w", err)
	}

	now := time.Now().UTC()
	t := IntegrationToken{
		ID:                    uuid.New(),
		StoreID:               storeID,
		IntegrationType:       integrationType,
		ConfigKey:             configKey,
		CredentialsEncrypted:  blob,
		TokenExpiresAt:        expiresAt,
		RefreshTokenExpiresAt: refreshExpiresAt,
		Status:                TokenStatusActive,
		ConsecutiveFailures:   0,
		MaxFailures:           maxFailures,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO integration_tokens
			(id, store_id, integration_type, config_key, credentials_encrypted, token_expires_at, refresh_token_expires_at,
			 status, consecutive_failures, max_failures, last_refresh_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,'',$10,$10)
		ON CONFLICT (store_id, integration_type, config_key) DO UPDATE SET
			credentials_encrypted = EXCLUDED.credentials_encrypted,
			token_expires_at = EXCLUDED.token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			status = 'active',
			consecutive_failures = 0,
			last_refresh_error = '',
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, t.ID, t.StoreID, t.IntegrationType, t.ConfigKey, t.CredentialsEncrypted, t.TokenExpiresAt, t.RefreshTokenExpiresAt,
		t.Status, t.MaxFailures, t.CreatedAt)

	if err := row.Scan(&t.ID, &t.CreatedAt); err != nil {
		return IntegrationToken{}, fmt.Errorf("upserting integration token: %w", err)
	}

	return t, nil
}

// TokenCredentials returns the decrypted provider credentials for one
// integration token row. Only the refresh scheduler should call this;
// like GetPrimaryDatabase, callers must treat the result as secret.
func (r *Registry) TokenCredentials(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) (string, error) {
	var blob string
	row := r.db.QueryRow(ctx, `
		SELECT credentials_encrypted FROM integration_tokens
		WHERE store_id = $1 AND integration_type = $2 AND config_key = $3
	`, storeID, integrationType, configKey)
	if err := row.Scan(&blob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", tenanterr.NotFound
		}
		return "", fmt.Errorf("scanning integration token credentials: %w", err)
	}
	return r.vault.UnwrapString(blob)
}

// FindExpiring returns tokens due for refresh within buffer:
// status in (active, expiring), token_expires_at <= now+buffer, and
// consecutive_failures < max_failures, ordered by token_expires_at ascending.
func (r *Registry) FindExpiring(ctx context.Context, buffer time.Duration) ([]IntegrationToken, error) {
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx, `
		SELECT id, store_id, integration_type, config_key, token_expires_at, refresh_token_expires_at,
		       last_refresh_at, last_refresh_error, status, consecutive_failures, max_failures, created_at, updated_at
		FROM integration_tokens
		WHERE status IN ('active', 'expiring')
		  AND token_expires_at <= $1
		  AND consecutive_failures < max_failures
		ORDER BY token_expires_at ASC
	`, now.Add(buffer))
	if err != nil {
		return nil, fmt.Errorf("querying expiring tokens: %w", err)
	}
	defer rows.Close()

	var out []IntegrationToken
	for rows.Next() {
		var t IntegrationToken
		if err := rows.Scan(&t.ID, &t.StoreID, &t.IntegrationType, &t.ConfigKey, &t.TokenExpiresAt, &t.RefreshTokenExpiresAt,
			&t.LastRefreshAt, &t.LastRefreshError, &t.Status, &t.ConsecutiveFailures, &t.MaxFailures, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning integration token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating expiring tokens: %w", err)
	}

	return out, nil
}

// RecordRefreshSuccess resets failure tracking and stamps the new expiry.
func (r *Registry) RecordRefreshSuccess(ctx context.Context, storeID uuid.UUID, integrationType, configKey string, newExpiresAt time.Time) error {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE integration_tokens
		SET token_expires_at = $4, status = 'active', consecutive_failures = 0,
		    last_refresh_error = '', last_refresh_at = $5, updated_at = $5
		WHERE store_id = $1 AND integration_type = $2 AND config_key = $3
	`, storeID, integrationType, configKey, newExpiresAt, now)
	if err != nil {
		return fmt.Errorf("recording refresh success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenanterr.NotFound
	}
	return nil
}

// RecordRefreshFailure increments consecutive_failures and, once it reaches
// max_failures, sets the sticky refresh_failed status.
func (r *Registry) RecordRefreshFailure(ctx context.Context, storeID uuid.UUID, integrationType, configKey, errMsg string) error {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE integration_tokens
		SET consecutive_failures = consecutive_failures + 1,
		    last_refresh_error = $4,
		    last_refresh_at = $5,
		    updated_at = $5,
		    status = CASE WHEN consecutive_failures + 1 >= max_failures THEN 'refresh_failed' ELSE status END
		WHERE store_id = $1 AND integration_type = $2 AND config_key = $3
	`, storeID, integrationType, configKey, errMsg, now)
	if err != nil {
		return fmt.Errorf("recording refresh failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenanterr.NotFound
	}
	return nil
}

// RecordRevoked marks a token as sticky-revoked, stopping scheduled refresh
// until a collaborator explicitly clears it (re-consent flow, out of scope
// here).
func (r *Registry) RecordRevoked(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE integration_tokens SET status = 'revoked', updated_at = now()
		WHERE store_id = $1 AND integration_type = $2 AND config_key = $3
	`, storeID, integrationType, configKey)
	if err != nil {
		return fmt.Errorf("recording revoked token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenanterr.NotFound
	}
	return nil
}

// GetIntegrationToken fetches a single token row by its key.
func (r *Registry) GetIntegrationToken(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) (IntegrationToken, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, store_id, integration_type, config_key, token_expires_at, refresh_token_expires_at,
		       last_refresh_at, last_refresh_error, status, consecutive_failures, max_failures, created_at, updated_at
		FROM integration_tokens
		WHERE store_id = $1 AND integration_type = $2 AND config_key = $3
	`, storeID, integrationType, configKey)

	var t IntegrationToken
	err := row.Scan(&t.ID, &t.StoreID, &t.IntegrationType, &t.ConfigKey, &t.TokenExpiresAt, &t.RefreshTokenExpiresAt,
		&t.LastRefreshAt, &t.LastRefreshError, &t.Status, &t.ConsecutiveFailures, &t.MaxFailures, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IntegrationToken{}, tenanterr.NotFound
		}
		return IntegrationToken{}, fmt.Errorf("scanning integration token: %w", err)
	}
	return t, nil
}
