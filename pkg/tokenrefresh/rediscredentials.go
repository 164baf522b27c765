package tokenrefresh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/daino/tenantcore/pkg/registry"
)

// VaultCredentialSource resolves a token's provider credentials from the
// master registry's own vault-wrapped storage, mirroring how
// GetPrimaryDatabase treats StoreDatabase credentials as an opaque blob
// that only this collaborator ever decrypts.
type VaultCredentialSource struct {
	registry *registry.Registry
}

// NewVaultCredentialSource constructs a CredentialSource backed by reg.
func NewVaultCredentialSource(reg *registry.Registry) *VaultCredentialSource {
	return &VaultCredentialSource{registry: reg}
}

// Credentials loads and decrypts the stored credential blob for one
// integration token row.
func (s *VaultCredentialSource) Credentials(ctx context.Context, storeID uuid.UUID, integrationType, configKey string) (string, error) {
	return s.registry.TokenCredentials(ctx, storeID, integrationType, configKey)
}

// oauthStateKeyPrefix namespaces short-lived OAuth authorization-flow state
// in Redis.
const oauthStateKeyPrefix = "tenantcore:oauth_state:"

// StateStore persists short-lived OAuth authorization state (the `state`
// query parameter CSRF token) so a later callback can validate it came from
// a request this process actually issued.
type StateStore struct {
	redis *redis.Client
}

// NewStateStore constructs a StateStore over an already-connected client.
func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{redis: client}
}

// Put stores state with the given ttl.
func (s *StateStore) Put(ctx context.Context, state string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, oauthStateKeyPrefix+state, "1", ttl).Err(); err != nil {
		return fmt.Errorf("storing oauth state: %w", err)
	}
	return nil
}

// Consume atomically checks for and deletes state, returning whether it was
// present (and therefore valid and unused).
func (s *StateStore) Consume(ctx context.Context, state string) (bool, error) {
	n, err := s.redis.GetDel(ctx, oauthStateKeyPrefix+state).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consuming oauth state: %w", err)
	}
	return n != "", nil
}
