package tokenpolicy

import (
	"testing"
	"time"

	"github.com/daino/tenantcore/pkg/registry"
)

func TestIsRefreshEligible(t *testing.T) {
	base := registry.IntegrationToken{ConsecutiveFailures: 1, MaxFailures: 5, Status: registry.TokenStatusActive}

	cases := []struct {
		name  string
		token registry.IntegrationToken
		want  bool
	}{
		{"active under ceiling", base, true},
		{"revoked excluded", withStatus(base, registry.TokenStatusRevoked), false},
		{"refresh_failed excluded", withStatus(base, registry.TokenStatusRefreshFailed), false},
		{"at ceiling excluded", withFailures(base, 5), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsRefreshEligible(c.token); got != c.want {
				t.Fatalf("IsRefreshEligible() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestStatusDelegatesToToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	token := registry.IntegrationToken{
		Status:         registry.TokenStatusActive,
		TokenExpiresAt: now.Add(30 * time.Minute),
	}
	if got := Status(token, now, DefaultExpiryBuffer); got != registry.TokenStatusExpiring {
		t.Fatalf("Status() = %v, want expiring", got)
	}
}

func withStatus(t registry.IntegrationToken, s registry.TokenStatus) registry.IntegrationToken {
	t.Status = s
	return t
}

func withFailures(t registry.IntegrationToken, n int) registry.IntegrationToken {
	t.ConsecutiveFailures = n
	return t
}
