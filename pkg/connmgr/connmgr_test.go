package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

// countingLookup counts GetPrimaryDatabase calls and always fails, so
// concurrency can be exercised without a real tenant database.
type countingLookup struct {
	calls int64
	delay time.Duration
}

func (l *countingLookup) GetPrimaryDatabase(ctx context.Context, _ uuid.UUID) (registry.PrimaryDatabase, error) {
	atomic.AddInt64(&l.calls, 1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
		}
	}
	return registry.PrimaryDatabase{}, tenanterr.NoDatabaseConfigured
}

func TestGetCoalescesConcurrentBuilds(t *testing.T) {
	lookup := &countingLookup{delay: 50 * time.Millisecond}
	mgr := New(lookup, slog.Default(), time.Second, nil)
	storeID := uuid.New()

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mgr.Get(context.Background(), storeID)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if kind, ok := tenanterr.KindOf(err); !ok || kind != tenanterr.KindNoDatabaseConfigured {
			t.Fatalf("expected NoDatabaseConfigured, got %v", err)
		}
	}

	if got := atomic.LoadInt64(&lookup.calls); got != 1 {
		t.Fatalf("GetPrimaryDatabase called %d times, want 1 (coalesced)", got)
	}
}

func TestGetCallerCancellationDoesNotAbortSharedBuild(t *testing.T) {
	lookup := &countingLookup{delay: 100 * time.Millisecond}
	mgr := New(lookup, slog.Default(), time.Second, nil)
	storeID := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mgr.Get(ctx, storeID)
	if err == nil {
		t.Fatal("expected context deadline error for the cancelled caller")
	}

	// A second, uncancelled caller should still observe the build complete.
	_, err2 := mgr.Get(context.Background(), storeID)
	if kind, ok := tenanterr.KindOf(err2); !ok || kind != tenanterr.KindNoDatabaseConfigured {
		t.Fatalf("expected the shared build to complete for the second caller, got %v", err2)
	}
}

func TestInvalidateBumpsEpoch(t *testing.T) {
	lookup := &countingLookup{}
	mgr := New(lookup, slog.Default(), time.Second, nil)
	storeID := uuid.New()

	mgr.Invalidate(storeID) // no-op, nothing cached yet
	if got := mgr.epochs[storeID]; got != 1 {
		t.Fatalf("epoch = %d, want 1", got)
	}
}

func TestGetValidatedRunsSchemaProbeOncePerEntry(t *testing.T) {
	var probeCalls int64
	probe := func(ctx context.Context, _ *pgxpool.Pool) error {
		atomic.AddInt64(&probeCalls, 1)
		return nil
	}
	mgr := New(&countingLookup{}, slog.Default(), time.Second, probe)
	storeID := uuid.New()

	// Seed the cache directly; building a real client needs a live database.
	client := &Client{StoreID: storeID}
	mgr.cache[storeID] = &cacheEntry{client: client, createdAt: time.Now()}

	for i := 0; i < 3; i++ {
		got, err := mgr.GetValidated(context.Background(), storeID)
		if err != nil {
			t.Fatalf("GetValidated() error: %v", err)
		}
		if got != client {
			t.Fatalf("GetValidated() returned a different client")
		}
	}
	if got := atomic.LoadInt64(&probeCalls); got != 1 {
		t.Fatalf("schema probe ran %d times, want 1 (once per cached entry)", got)
	}
}

func TestGetValidatedSurfacesProbeFailureWithoutEvicting(t *testing.T) {
	probeErr := tenanterr.Wrap(tenanterr.KindEmptySchema, "tenant schema missing canonical tables", nil)
	probe := func(ctx context.Context, _ *pgxpool.Pool) error { return probeErr }
	mgr := New(&countingLookup{}, slog.Default(), time.Second, probe)
	storeID := uuid.New()

	client := &Client{StoreID: storeID}
	mgr.cache[storeID] = &cacheEntry{client: client, createdAt: time.Now()}

	_, err := mgr.GetValidated(context.Background(), storeID)
	if kind, ok := tenanterr.KindOf(err); !ok || kind != tenanterr.KindEmptySchema {
		t.Fatalf("expected EmptySchema, got %v", err)
	}

	// The entry stays cached and unvalidated; repair invalidates explicitly.
	entry, ok := mgr.cache[storeID]
	if !ok {
		t.Fatal("expected the entry to stay cached after a failed schema probe")
	}
	if entry.schemaValidated {
		t.Fatal("expected the entry to remain unvalidated after a failed probe")
	}
}
