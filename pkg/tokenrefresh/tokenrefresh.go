// Package tokenrefresh implements the token refresh scheduler: the batch
// handler a cron entry enqueues every tick, which walks the integration
// token registry's due tokens and refreshes each one through a
// provider-specific routine.
package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/daino/tenantcore/internal/telemetry"
	"github.com/daino/tenantcore/pkg/registry"
	"github.com/daino/tenantcore/pkg/tokenpolicy"
)

// Outcome is what a provider routine returns on success.
type Outcome struct {
	NewExpiresAt time.Time
}

// ErrRevoked is the distinguished "revoked" signal a provider routine
// returns instead of an error when the third party has revoked consent.
// Providers must never return this wrapped inside a generic error; the
// handler checks for it with errors.Is before treating anything else as a
// transient refresh failure.
var ErrRevoked = errors.New("integration token revoked by provider")

// Provider refreshes one credential. It must be idempotent: calling it
// again with the same credentials after a successful refresh should either
// no-op or extend the expiry again, never corrupt state.
type Provider func(ctx context.Context, credentials string) (Outcome, error)

// ProviderRegistry maps integration_type to its refresh routine.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry builds an empty registry; callers register providers
// with Register before running a scheduler over it.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register binds integrationType to routine, overwriting any prior binding.
func (p *ProviderRegistry) Register(integrationType string, routine Provider) {
	p.providers[integrationType] = routine
}

// Lookup returns the routine bound to integrationType, if any.
func (p *ProviderRegistry) Lookup(integrationType string) (Provider, bool) {
	routine, ok := p.providers[integrationType]
	return routine, ok
}

// CredentialSource resolves the opaque per-token credentials a provider
// routine needs. configKey identifies which secret under the store to use;
// tokens don't carry their own credential blob, only the registry row, so
// the handler asks a collaborator for the matching secret. In the core's
// own deployment this is backed by the same vault-wrapped store used for
// database credentials; it is intentionally left to the caller to wire.
type CredentialSource interface {
	Credentials(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) (string, error)
}

// Registry is the subset of the integration token registry the handler
// needs.
type Registry interface {
	FindExpiring(ctx context.Context, buffer time.Duration) ([]registry.IntegrationToken, error)
	RecordRefreshSuccess(ctx context.Context, storeID uuid.UUID, integrationType, configKey string, newExpiresAt time.Time) error
	RecordRefreshFailure(ctx context.Context, storeID uuid.UUID, integrationType, configKey, errMsg string) error
	RecordRevoked(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) error
}

// Handler runs one batch of the refresh_tokens job.
type Handler struct {
	registry    Registry
	providers   *ProviderRegistry
	credentials CredentialSource
	buffer      time.Duration
	logger      *slog.Logger
}

// New constructs a Handler. buffer is the expiry window, defaulting to
// tokenpolicy.DefaultExpiryBuffer when zero.
func New(reg Registry, providers *ProviderRegistry, credentials CredentialSource, buffer time.Duration, logger *slog.Logger) *Handler {
	if buffer <= 0 {
		buffer = tokenpolicy.DefaultExpiryBuffer
	}
	return &Handler{registry: reg, providers: providers, credentials: credentials, buffer: buffer, logger: logger}
}

// Result summarizes one batch run, for the job_history payload.
type Result struct {
	Considered int
	Refreshed  int
	Revoked    int
	Failed     int
	Deadline   bool
}

// Run executes one bounded batch: reads FindExpiring, refreshes each
// token via its provider, and records the outcome. Run never aborts the
// batch on a single token's failure; it stops early only when deadline
// elapses, leaving the remaining tokens for the next tick in ascending
// expiry order.
func (h *Handler) Run(ctx context.Context, deadline time.Duration) (Result, error) {
	batchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	tokens, err := h.registry.FindExpiring(batchCtx, h.buffer)
	if err != nil {
		return Result{}, fmt.Errorf("loading expiring tokens: %w", err)
	}

	var res Result
	for _, token := range tokens {
		res.Considered++

		select {
		case <-batchCtx.Done():
			res.Deadline = true
			return res, nil
		default:
		}

		if !tokenpolicy.IsRefreshEligible(token) {
			// FindExpiring's own predicate already excludes these; token is
			// the row as that query loaded it, so this check only skips rows
			// a Registry returned without applying the same predicate.
			continue
		}

		h.refreshOne(batchCtx, token, &res)
	}

	return res, nil
}

func (h *Handler) refreshOne(ctx context.Context, token registry.IntegrationToken, res *Result) {
	routine, ok := h.providers.Lookup(token.IntegrationType)
	if !ok {
		h.logger.WarnContext(ctx, "no refresh provider registered", "integration_type", token.IntegrationType)
		h.recordFailure(ctx, token, "no refresh provider registered", res)
		return
	}

	creds, err := h.credentials.Credentials(ctx, token.StoreID, token.IntegrationType, token.ConfigKey)
	if err != nil {
		h.recordFailure(ctx, token, fmt.Sprintf("loading credentials: %v", err), res)
		return
	}

	outcome, err := routine(ctx, creds)
	switch {
	case errors.Is(err, ErrRevoked):
		if rerr := h.registry.RecordRevoked(ctx, token.StoreID, token.IntegrationType, token.ConfigKey); rerr != nil {
			h.logger.ErrorContext(ctx, "recording revoked token", "error", rerr, "store_id", token.StoreID)
		}
		telemetry.TokenRefreshTotal.WithLabelValues(token.IntegrationType, "revoked").Inc()
		res.Revoked++
	case err != nil:
		h.recordFailure(ctx, token, err.Error(), res)
	default:
		if rerr := h.registry.RecordRefreshSuccess(ctx, token.StoreID, token.IntegrationType, token.ConfigKey, outcome.NewExpiresAt); rerr != nil {
			h.logger.ErrorContext(ctx, "recording refresh success", "error", rerr, "store_id", token.StoreID)
			telemetry.TokenRefreshTotal.WithLabelValues(token.IntegrationType, "failed").Inc()
			res.Failed++
			return
		}
		telemetry.TokenRefreshTotal.WithLabelValues(token.IntegrationType, "ok").Inc()
		res.Refreshed++
	}
}

func (h *Handler) recordFailure(ctx context.Context, token registry.IntegrationToken, message string, res *Result) {
	if err := h.registry.RecordRefreshFailure(ctx, token.StoreID, token.IntegrationType, token.ConfigKey, message); err != nil {
		h.logger.ErrorContext(ctx, "recording refresh failure", "error", err, "store_id", token.StoreID)
	}
	telemetry.TokenRefreshTotal.WithLabelValues(token.IntegrationType, "failed").Inc()
	res.Failed++
}

// JobType is the job_type the standing cron entry uses to enqueue this
// handler's batch.
const JobType = "refresh_tokens"
