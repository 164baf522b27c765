// Package healthrepair probes a tenant database for the canonical tables a
// provisioned schema must have, and repairs an empty schema by running
// migrations and seeding it.
package healthrepair

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/pkg/connmgr"
	"github.com/daino/tenantcore/pkg/migrations"
	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/seed"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// canonicalTables is the small set of tables whose presence marks a tenant
// schema as provisioned.
var canonicalTables = []string{"stores", "products", "categories", "users"}

// SchemaStatus is the outcome of Probe.
type SchemaStatus string

const (
	SchemaOK          SchemaStatus = "ok"
	SchemaEmpty       SchemaStatus = "empty"
	SchemaUnreachable SchemaStatus = "unreachable"
)

// Probe checks whether the canonical tables exist in pool's current search
// path (the whole database, since each tenant owns its own). A connection
// failure is reported as SchemaUnreachable; a reachable connection missing
// any canonical table is SchemaEmpty.
func Probe(ctx context.Context, pool *pgxpool.Pool) (SchemaStatus, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = ANY(current_schemas(false)) AND table_name = ANY($1)
	`, canonicalTables).Scan(&count)
	if err != nil {
		return SchemaUnreachable, tenanterr.Wrap(tenanterr.KindUnreachable, "probing tenant schema", err)
	}
	if count < len(canonicalTables) {
		return SchemaEmpty, nil
	}
	return SchemaOK, nil
}

// EnsureProvisioned runs Probe and converts its outcome to kinded errors:
// nil when the schema is provisioned, an EmptySchema error when canonical
// tables are missing, and the probe's own Unreachable error when the
// connection fails. The connection manager runs this as its lazy schema
// probe.
func EnsureProvisioned(ctx context.Context, pool *pgxpool.Pool) error {
	status, err := Probe(ctx, pool)
	if err != nil {
		return err
	}
	if status == SchemaEmpty {
		return tenanterr.Wrap(tenanterr.KindEmptySchema, "tenant schema missing canonical tables", nil)
	}
	return nil
}

// StoreLookup is the subset of the master registry Repair needs to read and
// transition a Store's status.
type StoreLookup interface {
	GetStore(ctx context.Context, storeID uuid.UUID) (registry.Store, error)
	SetStatus(ctx context.Context, storeID uuid.UUID, status registry.StoreStatus) error
	SetActive(ctx context.Context, storeID uuid.UUID, active bool) error
}

// ConnectionProvider is the subset of the connection manager Repair needs.
type ConnectionProvider interface {
	Get(ctx context.Context, storeID uuid.UUID) (*connmgr.Client, error)
	Invalidate(storeID uuid.UUID)
}

// Seeder seeds a freshly migrated tenant schema.
type Seeder interface {
	Seed(ctx context.Context, pool *pgxpool.Pool, store seed.Store) error
}

// Repairer restores an empty tenant schema to a provisioned state.
type Repairer struct {
	registry StoreLookup
	conns    ConnectionProvider
	loader   migrations.Loader
	seeder   Seeder
	logger   *slog.Logger
}

// New constructs a Repairer.
func New(reg StoreLookup, conns ConnectionProvider, loader migrations.Loader, seeder Seeder, logger *slog.Logger) *Repairer {
	return &Repairer{registry: reg, conns: conns, loader: loader, seeder: seeder, logger: logger}
}

// Repair runs the full empty-schema repair sequence for storeID: mark
// pending, invalidate the cache, run migrations, seed, mark active. Any step
// failing leaves the store in pending_database and returns
// tenanterr.RepairFailed(step, cause); there is no partial "active" state.
func (r *Repairer) Repair(ctx context.Context, storeID uuid.UUID) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		telemetry.RepairsTotal.WithLabelValues(outcome).Inc()
	}()

	store, err := r.registry.GetStore(ctx, storeID)
	if err != nil {
		return tenanterr.RepairFailed("load_store", err)
	}

	if err := r.registry.SetStatus(ctx, storeID, registry.StoreStatusPendingDatabase); err != nil {
		return tenanterr.RepairFailed("mark_pending", err)
	}

	r.conns.Invalidate(storeID)

	client, err := r.conns.Get(ctx, storeID)
	if err != nil {
		return tenanterr.RepairFailed("connect", err)
	}

	scripts, err := r.loader.Load(ctx)
	if err != nil {
		return tenanterr.RepairFailed("load_migrations", err)
	}
	for _, script := range scripts {
		if _, err := client.Pool.Exec(ctx, script.SQL); err != nil {
			return tenanterr.RepairFailed(fmt.Sprintf("run_migration:%s", script.Name), err)
		}
	}

	seedStore := seed.Store{
		ID:          store.ID,
		Slug:        store.Slug,
		Name:        store.Slug,
		OwnerUserID: store.UserID,
	}
	if err := r.seeder.Seed(ctx, client.Pool, seedStore); err != nil {
		return tenanterr.RepairFailed("seed", err)
	}

	if err := r.registry.SetStatus(ctx, storeID, registry.StoreStatusActive); err != nil {
		return tenanterr.RepairFailed("mark_active", err)
	}
	if err := r.registry.SetActive(ctx, storeID, true); err != nil {
		// The status is already active at this point; put it back so a
		// failed repair does not leave the store half-activated.
		if rerr := r.registry.SetStatus(ctx, storeID, registry.StoreStatusPendingDatabase); rerr != nil {
			r.logger.ErrorContext(ctx, "reverting store status after failed repair", "store_id", storeID, "error", rerr)
		}
		return tenanterr.RepairFailed("mark_active", err)
	}

	// A repair always touches the cache: the connection built above was
	// probed against an empty schema and must not be reused as-is.
	r.conns.Invalidate(storeID)

	r.logger.InfoContext(ctx, "tenant schema repaired", "store_id", storeID)
	return nil
}
