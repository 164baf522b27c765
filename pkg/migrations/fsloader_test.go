package migrations

import (
	"context"
	"strings"
	"testing"
)

func TestDefaultTenantLoaderOrdersByFilename(t *testing.T) {
	loader := DefaultTenantLoader()

	scripts, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(scripts) < 2 {
		t.Fatalf("expected at least 2 scripts, got %d", len(scripts))
	}

	for i := 1; i < len(scripts); i++ {
		if scripts[i-1].Name >= scripts[i].Name {
			t.Fatalf("scripts not ordered by name: %q before %q", scripts[i-1].Name, scripts[i].Name)
		}
	}

	if !strings.Contains(scripts[0].SQL, "CREATE TABLE IF NOT EXISTS stores") {
		t.Fatalf("expected first script to create canonical tables, got: %s", scripts[0].SQL)
	}
}

func TestDefaultTenantLoaderRespectsCancellation(t *testing.T) {
	loader := DefaultTenantLoader()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loader.Load(ctx)
	if err == nil {
		t.Fatal("expected error from a cancelled context")
	}
}
