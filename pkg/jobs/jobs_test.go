package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRetryBackoffDoublesUntilCap(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},  // 64m would exceed cap
		{20, time.Hour}, // far beyond cap
	}

	for _, tt := range tests {
		if got := RetryBackoff(tt.retryCount, base, cap); got != tt.want {
			t.Errorf("RetryBackoff(%d, %s, %s) = %s, want %s", tt.retryCount, base, cap, got, tt.want)
		}
	}
}

func TestRetryBackoffTreatsNonPositiveRetryCountAsFirst(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour
	if got := RetryBackoff(0, base, cap); got != base {
		t.Errorf("RetryBackoff(0, ...) = %s, want base %s", got, base)
	}
	if got := RetryBackoff(-1, base, cap); got != base {
		t.Errorf("RetryBackoff(-1, ...) = %s, want base %s", got, base)
	}
}

func TestRetryBackoffDefaultSchedule(t *testing.T) {
	// Three retries with the default 30s base and 1h cap are
	// observed at >= now+30s and >= now+60s.
	if got := RetryBackoff(1, 30*time.Second, time.Hour); got < 30*time.Second {
		t.Fatalf("first retry delay %s below the documented 30s floor", got)
	}
	if got := RetryBackoff(2, 30*time.Second, time.Hour); got < 60*time.Second {
		t.Fatalf("second retry delay %s below the documented 60s floor", got)
	}
}

func TestHandlerRegistryRegisterLookupTypes(t *testing.T) {
	reg := NewHandlerRegistry()

	if _, ok := reg.Lookup("sync"); ok {
		t.Fatalf("expected no handler registered yet")
	}
	if types := reg.Types(); len(types) != 0 {
		t.Fatalf("expected an empty registry to report no types, got %v", types)
	}

	called := false
	reg.Register("sync", func(ctx context.Context, job Job) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`{"ok":true}`), nil
	})

	routine, ok := reg.Lookup("sync")
	if !ok {
		t.Fatalf("expected sync handler to be registered")
	}
	if _, err := routine(context.Background(), Job{Type: "sync"}); err != nil {
		t.Fatalf("routine returned error: %v", err)
	}
	if !called {
		t.Fatalf("expected the registered routine to run")
	}

	types := reg.Types()
	if len(types) != 1 || types[0] != "sync" {
		t.Fatalf("Types() = %v, want [sync]", types)
	}
}

func TestHandlerRegistryRegisterOverwritesPriorBinding(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register("sync", func(ctx context.Context, job Job) (json.RawMessage, error) {
		return json.RawMessage(`"first"`), nil
	})
	reg.Register("sync", func(ctx context.Context, job Job) (json.RawMessage, error) {
		return json.RawMessage(`"second"`), nil
	})

	routine, ok := reg.Lookup("sync")
	if !ok {
		t.Fatalf("expected sync handler to still be registered")
	}
	result, err := routine(context.Background(), Job{})
	if err != nil {
		t.Fatalf("routine returned error: %v", err)
	}
	if string(result) != `"second"` {
		t.Fatalf("Lookup() returned stale handler, result = %s", result)
	}
}
