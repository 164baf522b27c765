// Package registry implements the master registry: the authoritative
// catalog of tenants. It owns store records, hostnames, encrypted tenant
// database credentials, and integration token tracking, including the
// row-level token refresh bookkeeping that sits on the same tables.
package registry

import (
	"time"

	"github.com/google/uuid"
)

// StoreStatus is the lifecycle state of a Store.
type StoreStatus string

const (
	StoreStatusPendingDatabase StoreStatus = "pending_database"
	StoreStatusProvisioning    StoreStatus = "provisioning"
	StoreStatusActive          StoreStatus = "active"
	StoreStatusDemo            StoreStatus = "demo"
	StoreStatusSuspended       StoreStatus = "suspended"
	StoreStatusInactive        StoreStatus = "inactive"
)

// Store is the master record for a tenant.
type Store struct {
	ID        uuid.UUID
	Slug      string
	UserID    uuid.UUID
	Status    StoreStatus
	IsActive  bool
	Published bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatabaseType identifies the kind of tenant database a StoreDatabase row
// describes.
type DatabaseType string

const (
	DatabaseTypeSupabase   DatabaseType = "supabase"
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
)

// ConnectionStatus records the outcome of the most recent connectivity test
// against a StoreDatabase.
type ConnectionStatus string

const (
	ConnectionStatusPending   ConnectionStatus = "pending"
	ConnectionStatusConnected ConnectionStatus = "connected"
	ConnectionStatusFailed    ConnectionStatus = "failed"
	ConnectionStatusTimeout   ConnectionStatus = "timeout"
)

// StoreDatabase is the master record of a tenant's database connection.
// CredentialsEncrypted is an opaque vault blob; decrypted credentials are
// only ever returned from GetPrimaryDatabase, never stored on this struct
// outside of that call.
type StoreDatabase struct {
	ID                   uuid.UUID
	StoreID              uuid.UUID
	DatabaseType         DatabaseType
	CredentialsEncrypted string
	Host                 string
	Port                 int
	DatabaseName         string
	ConnectionStatus     ConnectionStatus
	LastConnectionTest   *time.Time
	IsPrimary            bool
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StoreHostname binds a hostname to a store.
type StoreHostname struct {
	ID             uuid.UUID
	StoreID        uuid.UUID
	Hostname       string
	Slug           string
	IsPrimary      bool
	IsCustomDomain bool
	SSLEnabled     bool
	CreatedAt      time.Time
}

// TokenStatus is the derived or sticky status of an IntegrationToken.
type TokenStatus string

const (
	TokenStatusActive        TokenStatus = "active"
	TokenStatusExpiring      TokenStatus = "expiring"
	TokenStatusExpired       TokenStatus = "expired"
	TokenStatusRevoked       TokenStatus = "revoked"
	TokenStatusRefreshFailed TokenStatus = "refresh_failed"
)

// IntegrationToken tracks the lifecycle of one third-party OAuth credential
// for one store.
type IntegrationToken struct {
	ID                    uuid.UUID
	StoreID               uuid.UUID
	IntegrationType       string
	ConfigKey             string
	CredentialsEncrypted  string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt *time.Time
	LastRefreshAt         *time.Time
	LastRefreshError      string
	Status                TokenStatus
	ConsecutiveFailures   int
	MaxFailures           int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DerivedStatus computes the time-derived status: revoked and
// refresh_failed are sticky and override derivation.
func (t IntegrationToken) DerivedStatus(now time.Time, buffer time.Duration) TokenStatus {
	if t.Status == TokenStatusRevoked || t.Status == TokenStatusRefreshFailed {
		return t.Status
	}
	if !now.Before(t.TokenExpiresAt) {
		return TokenStatusExpired
	}
	if !now.Before(t.TokenExpiresAt.Add(-buffer)) {
		return TokenStatusExpiring
	}
	return TokenStatusActive
}
