package registry

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daino/tenantcore/pkg/vault"
)

// Registry is the Master Registry: CRUD on Store, StoreDatabase,
// StoreHostname, and IntegrationToken, backed by the master Postgres
// database. Credential fields are stored vault-wrapped; GetPrimaryDatabase
// and TokenCredentials are the reads that decrypt them. AttachDatabase and
// UpsertIntegrationToken return the wrapped blob in their result's
// CredentialsEncrypted field.
type Registry struct {
	db     *pgxpool.Pool
	vault  *vault.Vault
	logger *slog.Logger
}

// New constructs a Registry over an already-connected master database pool.
func New(db *pgxpool.Pool, v *vault.Vault, logger *slog.Logger) *Registry {
	return &Registry{db: db, vault: v, logger: logger}
}

// Ping verifies master database connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
