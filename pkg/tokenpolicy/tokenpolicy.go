// Package tokenpolicy holds the integration token registry's pure
// derivation rules: the default expiry buffer and the read-time status
// projection that overlays sticky states onto the time-derived ones. The
// row storage and transition writes live in pkg/registry; this package is
// the policy those writes and the refresh scheduler read against.
package tokenpolicy

import (
	"time"

	"github.com/daino/tenantcore/pkg/registry"
)

// DefaultExpiryBuffer is the default expiring window: a token is "expiring"
// once it is within 60 minutes of token_expires_at.
const DefaultExpiryBuffer = 60 * time.Minute

// Status returns token's derived status as of now, using buffer as the
// expiring-window width. It is a thin, named entry point over
// IntegrationToken.DerivedStatus so callers outside pkg/registry (HTTP
// handlers, the refresh scheduler) depend on the policy, not the storage
// type's internals.
func Status(token registry.IntegrationToken, now time.Time, buffer time.Duration) registry.TokenStatus {
	return token.DerivedStatus(now, buffer)
}

// IsRefreshEligible reports whether token should be included in a refresh
// batch: not sticky-revoked or sticky-refresh_failed, and not already past
// its own failure ceiling. registry.FindExpiring already applies the
// equivalent SQL predicate; this is the in-process mirror of it, applied to
// rows already loaded into memory.
func IsRefreshEligible(token registry.IntegrationToken) bool {
	switch token.Status {
	case registry.TokenStatusRevoked, registry.TokenStatusRefreshFailed:
		return false
	}
	return token.ConsecutiveFailures < token.MaxFailures
}
