package healthrepair

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/daino/tenantcore/pkg/connmgr"
	"github.com/daino/tenantcore/pkg/migrations"
	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// fakeStoreLookup is an in-memory stand-in for the Master Registry, so
// Repair's step sequencing can be exercised without a real database.
type fakeStoreLookup struct {
	store        registry.Store
	getErr       error
	setStatus    []registry.StoreStatus
	setStatusErr error
	setActive    []bool
	setActiveErr error
}

func (f *fakeStoreLookup) GetStore(ctx context.Context, storeID uuid.UUID) (registry.Store, error) {
	if f.getErr != nil {
		return registry.Store{}, f.getErr
	}
	return f.store, nil
}

func (f *fakeStoreLookup) SetStatus(ctx context.Context, storeID uuid.UUID, status registry.StoreStatus) error {
	f.setStatus = append(f.setStatus, status)
	return f.setStatusErr
}

func (f *fakeStoreLookup) SetActive(ctx context.Context, storeID uuid.UUID, active bool) error {
	f.setActive = append(f.setActive, active)
	return f.setActiveErr
}

// fakeConnectionProvider lets tests control whether a tenant client can be
// built without reaching a real pool.
type fakeConnectionProvider struct {
	getErr      error
	invalidated int
}

func (f *fakeConnectionProvider) Get(ctx context.Context, storeID uuid.UUID) (*connmgr.Client, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &connmgr.Client{StoreID: storeID}, nil
}

func (f *fakeConnectionProvider) Invalidate(storeID uuid.UUID) {
	f.invalidated++
}

// fakeLoader lets tests fail at the migration-loading step deterministically.
type fakeLoader struct {
	err error
}

func (f *fakeLoader) Load(ctx context.Context) ([]migrations.Script, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func TestRepairFailsAtLoadStoreStep(t *testing.T) {
	reg := &fakeStoreLookup{getErr: errors.New("no such store")}
	r := New(reg, &fakeConnectionProvider{}, &fakeLoader{}, nil, slog.Default())

	err := r.Repair(context.Background(), uuid.New())
	assertRepairFailedStep(t, err, "load_store")
	if len(reg.setStatus) != 0 {
		t.Fatalf("expected no status transition when the store can't be loaded, got %v", reg.setStatus)
	}
}

func TestRepairFailsAtMarkPendingStep(t *testing.T) {
	reg := &fakeStoreLookup{setStatusErr: errors.New("update conflict")}
	r := New(reg, &fakeConnectionProvider{}, &fakeLoader{}, nil, slog.Default())

	err := r.Repair(context.Background(), uuid.New())
	assertRepairFailedStep(t, err, "mark_pending")
}

func TestRepairFailsAtConnectStep(t *testing.T) {
	reg := &fakeStoreLookup{}
	conns := &fakeConnectionProvider{getErr: tenanterr.NoDatabaseConfigured}
	r := New(reg, conns, &fakeLoader{}, nil, slog.Default())

	err := r.Repair(context.Background(), uuid.New())
	assertRepairFailedStep(t, err, "connect")

	if conns.invalidated == 0 {
		t.Fatalf("expected the cache to be invalidated before attempting to reconnect")
	}
	if len(reg.setStatus) != 1 || reg.setStatus[0] != registry.StoreStatusPendingDatabase {
		t.Fatalf("expected the store to be marked pending_database before connecting, got %v", reg.setStatus)
	}
}

func TestRepairFailsAtLoadMigrationsStep(t *testing.T) {
	reg := &fakeStoreLookup{}
	loader := &fakeLoader{err: errors.New("embed fs read failed")}
	r := New(reg, &fakeConnectionProvider{}, loader, nil, slog.Default())

	err := r.Repair(context.Background(), uuid.New())
	assertRepairFailedStep(t, err, "load_migrations")
}

func assertRepairFailedStep(t *testing.T, err error, wantStep string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected Repair to fail, got nil error")
	}
	var rf *tenanterr.Error
	if !errors.As(err, &rf) {
		t.Fatalf("expected a *tenanterr.Error, got %T: %v", err, err)
	}
	if rf.Kind != tenanterr.KindRepairFailed {
		t.Fatalf("expected kind %q, got %q", tenanterr.KindRepairFailed, rf.Kind)
	}
	if !errors.Is(err, tenanterr.RepairFailed("", nil)) {
		t.Fatalf("expected errors.Is to match any RepairFailed-kinded error")
	}
	if !strings.Contains(rf.Message, wantStep) {
		t.Fatalf("message %q does not name the failed step %q", rf.Message, wantStep)
	}
}

func TestProbeStatusConstants(t *testing.T) {
	// Locks in the three probe outcomes: ok, empty, unreachable.
	statuses := []SchemaStatus{SchemaOK, SchemaEmpty, SchemaUnreachable}
	seen := map[SchemaStatus]bool{}
	for _, s := range statuses {
		if seen[s] {
			t.Fatalf("duplicate schema status constant %q", s)
		}
		seen[s] = true
	}
}
