package tokenrefresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/daino/tenantcore/pkg/registry"
)

type fakeRegistry struct {
	tokens    []registry.IntegrationToken
	successes int
	failures  int
	revoked   int
}

func (f *fakeRegistry) FindExpiring(ctx context.Context, buffer time.Duration) ([]registry.IntegrationToken, error) {
	return f.tokens, nil
}

func (f *fakeRegistry) RecordRefreshSuccess(ctx context.Context, storeID uuid.UUID, integrationType, configKey string, newExpiresAt time.Time) error {
	f.successes++
	return nil
}

func (f *fakeRegistry) RecordRefreshFailure(ctx context.Context, storeID uuid.UUID, integrationType, configKey, errMsg string) error {
	f.failures++
	return nil
}

func (f *fakeRegistry) RecordRevoked(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) error {
	f.revoked++
	return nil
}

type fakeCredentials struct{}

func (fakeCredentials) Credentials(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) (string, error) {
	return "creds:" + configKey, nil
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunRecordsSuccessRevokedAndFailure(t *testing.T) {
	reg := &fakeRegistry{
		tokens: []registry.IntegrationToken{
			{StoreID: uuid.New(), IntegrationType: "ok", ConfigKey: "a", MaxFailures: 5},
			{StoreID: uuid.New(), IntegrationType: "revoked", ConfigKey: "b", MaxFailures: 5},
			{StoreID: uuid.New(), IntegrationType: "fails", ConfigKey: "c", MaxFailures: 5},
			{StoreID: uuid.New(), IntegrationType: "unregistered", ConfigKey: "d", MaxFailures: 5},
		},
	}

	providers := NewProviderRegistry()
	providers.Register("ok", func(ctx context.Context, credentials string) (Outcome, error) {
		return Outcome{NewExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	providers.Register("revoked", func(ctx context.Context, credentials string) (Outcome, error) {
		return Outcome{}, ErrRevoked
	})
	providers.Register("fails", func(ctx context.Context, credentials string) (Outcome, error) {
		return Outcome{}, errors.New("provider unavailable")
	})

	h := New(reg, providers, fakeCredentials{}, time.Hour, noopLogger())

	res, err := h.Run(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Considered != 4 {
		t.Fatalf("Considered = %d, want 4", res.Considered)
	}
	if res.Refreshed != 1 || reg.successes != 1 {
		t.Fatalf("expected 1 refresh, got Refreshed=%d successes=%d", res.Refreshed, reg.successes)
	}
	if res.Revoked != 1 || reg.revoked != 1 {
		t.Fatalf("expected 1 revoked, got Revoked=%d revoked=%d", res.Revoked, reg.revoked)
	}
	// "fails" and "unregistered" both record as failures: one from the
	// provider error, one from the missing-provider branch.
	if res.Failed != 2 || reg.failures != 2 {
		t.Fatalf("expected 2 failures, got Failed=%d failures=%d", res.Failed, reg.failures)
	}
}

func TestRunStopsAtDeadline(t *testing.T) {
	tokens := make([]registry.IntegrationToken, 10)
	for i := range tokens {
		tokens[i] = registry.IntegrationToken{StoreID: uuid.New(), IntegrationType: "slow", ConfigKey: "x", MaxFailures: 5}
	}
	reg := &fakeRegistry{tokens: tokens}

	providers := NewProviderRegistry()
	providers.Register("slow", func(ctx context.Context, credentials string) (Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		return Outcome{NewExpiresAt: time.Now().Add(time.Hour)}, nil
	})

	h := New(reg, providers, fakeCredentials{}, time.Hour, noopLogger())

	res, err := h.Run(context.Background(), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Deadline {
		t.Fatalf("expected Deadline=true when the batch runs past its bound")
	}
	if res.Considered >= len(tokens) {
		t.Fatalf("expected the batch to stop early, got Considered=%d of %d", res.Considered, len(tokens))
	}
}
