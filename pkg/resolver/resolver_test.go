package resolver

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/tenanterr"
)

type fakeLookup struct {
	byHostname map[string]registry.Store
	bySlug     map[string]registry.Store
}

func (f *fakeLookup) FindStoreBySlug(_ context.Context, slug string) (registry.Store, error) {
	if s, ok := f.bySlug[slug]; ok {
		return s, nil
	}
	return registry.Store{}, tenanterr.NotFound
}

func (f *fakeLookup) FindStoreByHostname(_ context.Context, hostname string) (registry.Store, error) {
	if s, ok := f.byHostname[hostname]; ok {
		return s, nil
	}
	return registry.Store{}, tenanterr.NotFound
}

func TestResolveByHostname(t *testing.T) {
	s1 := registry.Store{ID: uuid.New()}
	lookup := &fakeLookup{byHostname: map[string]registry.Store{"www.shop.example": s1}}
	res := New(lookup, uuid.Nil)

	got, err := res.Resolve(context.Background(), Request{Hostname: "www.shop.example"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != s1.ID {
		t.Fatalf("Resolve() = %v, want %v", got, s1.ID)
	}
}

func TestResolveHeaderWinsOverHostname(t *testing.T) {
	headerID := uuid.New()
	hostnameID := uuid.New()
	lookup := &fakeLookup{byHostname: map[string]registry.Store{"shop.example": {ID: hostnameID}}}
	res := New(lookup, uuid.Nil)

	got, err := res.Resolve(context.Background(), Request{
		HeaderStoreID: headerID.String(),
		Hostname:      "shop.example",
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != headerID {
		t.Fatalf("Resolve() = %v, want header id %v", got, headerID)
	}
}

func TestResolveFallsBackToSlug(t *testing.T) {
	slugID := uuid.New()
	lookup := &fakeLookup{
		byHostname: map[string]registry.Store{},
		bySlug:     map[string]registry.Store{"acme": {ID: slugID}},
	}
	res := New(lookup, uuid.Nil)

	got, err := res.Resolve(context.Background(), Request{Hostname: "unknown.example", PathSlug: "acme"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != slugID {
		t.Fatalf("Resolve() = %v, want %v", got, slugID)
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	defaultID := uuid.New()
	lookup := &fakeLookup{byHostname: map[string]registry.Store{}, bySlug: map[string]registry.Store{}}
	res := New(lookup, defaultID)

	got, err := res.Resolve(context.Background(), Request{Hostname: "unknown.example"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != defaultID {
		t.Fatalf("Resolve() = %v, want default %v", got, defaultID)
	}
}

func TestResolveNotFound(t *testing.T) {
	lookup := &fakeLookup{byHostname: map[string]registry.Store{}, bySlug: map[string]registry.Store{}}
	res := New(lookup, uuid.Nil)

	_, err := res.Resolve(context.Background(), Request{Hostname: "unknown.example"})
	if err == nil {
		t.Fatal("expected NotFound error, got nil")
	}
	if kind, ok := tenanterr.KindOf(err); !ok || kind != tenanterr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v (ok=%v)", kind, ok)
	}
}

func TestStripPort(t *testing.T) {
	tests := map[string]string{
		"shop.example:8080": "shop.example",
		"shop.example":      "shop.example",
	}
	for in, want := range tests {
		if got := stripPort(in); got != want {
			t.Errorf("stripPort(%q) = %q, want %q", in, got, want)
		}
	}
}
