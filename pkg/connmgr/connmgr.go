// Package connmgr builds, caches, health-checks, and invalidates
// per-tenant database clients. It is the only component that holds shared
// mutable process state: a store_id -> client cache whose mutation is
// serialized per store id via a singleflight group, so concurrent callers
// for a cold entry coalesce into one build.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/daino/tenantcore/internal/platform"
	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/tenanterr"

	"github.com/google/uuid"
)

// Client is the live, validated handle to a tenant's own database. Each
// store owns a full database, not a shared schema.
type Client struct {
	StoreID      uuid.UUID
	Pool         *pgxpool.Pool
	DatabaseType registry.DatabaseType
	HealthEpoch  int
}

// cacheEntry is one process-cache slot. healthEpoch increments on every
// explicit invalidation of this store id, so a holder of an old *Client can
// compare its HealthEpoch against the manager's current epoch to detect that
// it has since been evicted and rebuilt. schemaValidated records that the
// entry's schema probe has passed, so validation runs once per cached entry
// rather than on every validated lookup.
type cacheEntry struct {
	client          *Client
	createdAt       time.Time
	schemaValidated bool
}

// StoreDatabaseLookup is the subset of the master registry the connection
// manager needs to build a client.
type StoreDatabaseLookup interface {
	GetPrimaryDatabase(ctx context.Context, storeID uuid.UUID) (registry.PrimaryDatabase, error)
}

// SchemaProbe validates a built client's tenant schema. The concrete probe
// lives in the repair package; it is injected here by the composition root so
// this package never depends on it.
type SchemaProbe func(ctx context.Context, pool *pgxpool.Pool) error

// Manager owns the per-process tenant client cache.
type Manager struct {
	registry StoreDatabaseLookup
	logger   *slog.Logger

	probeTimeout time.Duration
	schemaProbe  SchemaProbe

	mu     sync.RWMutex
	cache  map[uuid.UUID]*cacheEntry
	epochs map[uuid.UUID]int
	group  singleflight.Group
}

// New builds a Manager. probeTimeout bounds the health-probe round trip run
// during client construction. schemaProbe may be nil, in which case
// GetValidated degrades to Get.
func New(reg StoreDatabaseLookup, logger *slog.Logger, probeTimeout time.Duration, schemaProbe SchemaProbe) *Manager {
	return &Manager{
		registry:     reg,
		logger:       logger,
		probeTimeout: probeTimeout,
		schemaProbe:  schemaProbe,
		cache:        make(map[uuid.UUID]*cacheEntry),
		epochs:       make(map[uuid.UUID]int),
	}
}

// Get returns a live tenant client for storeID, building and caching one if
// necessary. Concurrent callers for the same cold store id share one build;
// a caller's own context cancellation only aborts its own wait, not the
// shared build (singleflight.Group's Do is shared across callers and is not
// cancelled by any single caller's context).
func (m *Manager) Get(ctx context.Context, storeID uuid.UUID) (*Client, error) {
	m.mu.RLock()
	entry, ok := m.cache[storeID]
	m.mu.RUnlock()
	if ok {
		telemetry.ConnCacheHitsTotal.Inc()
		return entry.client, nil
	}

	type result struct {
		client *Client
	}

	done := make(chan struct{})
	var v any
	var err error

	go func() {
		defer close(done)
		v, err, _ = m.group.Do(storeID.String(), func() (any, error) {
			// A shared build uses its own background context: one caller's
			// cancellation must not abort a build other callers are waiting
			// on.
			client, buildErr := m.build(context.Background(), storeID)
			if buildErr != nil {
				return nil, buildErr
			}

			m.mu.Lock()
			client.HealthEpoch = m.epochs[storeID]
			m.cache[storeID] = &cacheEntry{client: client, createdAt: time.Now()}
			m.mu.Unlock()

			return result{client: client}, nil
		})
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	if err != nil {
		// Failures are not cached: the next caller (after this coalescing
		// window closes) gets a fresh attempt.
		return nil, err
	}

	return v.(result).client, nil
}

func (m *Manager) build(ctx context.Context, storeID uuid.UUID) (client *Client, err error) {
	ctx, span := telemetry.Tracer("tenantcore/connmgr").Start(ctx, "connmgr.build",
		trace.WithAttributes(attribute.String("store_id", storeID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pd, err := m.registry.GetPrimaryDatabase(ctx, storeID)
	if err != nil {
		telemetry.ConnCacheBuildsTotal.WithLabelValues(buildOutcome(err)).Inc()
		return nil, err
	}

	if pd.Type != registry.DatabaseTypePostgreSQL && pd.Type != registry.DatabaseTypeSupabase {
		// MySQL/other backends would plug in a different client constructor
		// here; the core only ships the Postgres-family path.
		telemetry.ConnCacheBuildsTotal.WithLabelValues("unsupported_type").Inc()
		return nil, tenanterr.Wrap(tenanterr.KindUnreachable, fmt.Sprintf("unsupported database type %q", pd.Type), nil)
	}

	pool, err := platform.NewPostgresPool(ctx, pd.Credentials)
	if err != nil {
		telemetry.ConnCacheBuildsTotal.WithLabelValues("unreachable").Inc()
		return nil, tenanterr.Wrap(tenanterr.KindUnreachable, "connecting to tenant database", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := pool.Ping(probeCtx); err != nil {
		pool.Close()
		telemetry.ConnCacheBuildsTotal.WithLabelValues("unreachable").Inc()
		return nil, tenanterr.Wrap(tenanterr.KindUnreachable, "health probe failed", err)
	}

	telemetry.ConnCacheBuildsTotal.WithLabelValues("ok").Inc()

	return &Client{StoreID: storeID, Pool: pool, DatabaseType: pd.Type}, nil
}

// GetValidated returns a client whose tenant schema has additionally passed
// the schema probe. The probe runs lazily — once per cached entry, on the
// first validated lookup — and its failure (an empty or unreachable schema)
// is returned without evicting the entry: the connection itself is fine, and
// a subsequent repair invalidates explicitly.
func (m *Manager) GetValidated(ctx context.Context, storeID uuid.UUID) (*Client, error) {
	client, err := m.Get(ctx, storeID)
	if err != nil || m.schemaProbe == nil {
		return client, err
	}

	m.mu.RLock()
	entry, ok := m.cache[storeID]
	validated := ok && entry.client == client && entry.schemaValidated
	m.mu.RUnlock()
	if validated {
		return client, nil
	}

	if err := m.schemaProbe(ctx, client.Pool); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if entry, ok := m.cache[storeID]; ok && entry.client == client {
		entry.schemaValidated = true
	}
	m.mu.Unlock()

	return client, nil
}

// Invalidate evicts the cached client for storeID, if present, closing its
// pool. Called on explicit invalidation, health-probe failure, or a registry
// update for that store.
func (m *Manager) Invalidate(storeID uuid.UUID) {
	m.mu.Lock()
	entry, ok := m.cache[storeID]
	if ok {
		delete(m.cache, storeID)
	}
	m.epochs[storeID]++
	m.mu.Unlock()

	if ok {
		entry.client.Pool.Close()
		telemetry.ConnCacheInvalidationsTotal.Inc()
	}
}

// Close closes every cached client pool. Used on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.cache {
		entry.client.Pool.Close()
		delete(m.cache, id)
	}
}

func buildOutcome(err error) string {
	if kind, ok := tenanterr.KindOf(err); ok {
		switch kind {
		case tenanterr.KindNoDatabaseConfigured:
			return "no_database"
		case tenanterr.KindUnreachable:
			return "unreachable"
		}
	}
	return "error"
}
