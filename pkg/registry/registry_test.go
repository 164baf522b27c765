package registry

import (
	"testing"
	"time"
)

func TestHostnameSlug(t *testing.T) {
	tests := []struct {
		hostname string
		want     string
	}{
		{"shop.example.com", "shop"},
		{"www.shop.example.com", "shop"},
		{"WWW.SHOP.EXAMPLE.COM", "shop"},
		{"www", "www"},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			if got := HostnameSlug(tt.hostname); got != tt.want {
				t.Errorf("HostnameSlug(%q) = %q, want %q", tt.hostname, got, tt.want)
			}
		})
	}
}

func TestIntegrationTokenDerivedStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	buffer := 60 * time.Minute

	tests := []struct {
		name string
		tok  IntegrationToken
		want TokenStatus
	}{
		{
			name: "far from expiry is active",
			tok:  IntegrationToken{Status: TokenStatusActive, TokenExpiresAt: now.Add(3 * time.Hour)},
			want: TokenStatusActive,
		},
		{
			name: "within buffer is expiring",
			tok:  IntegrationToken{Status: TokenStatusActive, TokenExpiresAt: now.Add(30 * time.Minute)},
			want: TokenStatusExpiring,
		},
		{
			name: "exactly at buffer boundary is expiring",
			tok:  IntegrationToken{Status: TokenStatusActive, TokenExpiresAt: now.Add(buffer)},
			want: TokenStatusExpiring,
		},
		{
			name: "past expiry is expired",
			tok:  IntegrationToken{Status: TokenStatusActive, TokenExpiresAt: now.Add(-time.Minute)},
			want: TokenStatusExpired,
		},
		{
			name: "revoked is sticky regardless of time",
			tok:  IntegrationToken{Status: TokenStatusRevoked, TokenExpiresAt: now.Add(-time.Hour)},
			want: TokenStatusRevoked,
		},
		{
			name: "refresh_failed is sticky regardless of time",
			tok:  IntegrationToken{Status: TokenStatusRefreshFailed, TokenExpiresAt: now.Add(3 * time.Hour)},
			want: TokenStatusRefreshFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tok.DerivedStatus(now, buffer); got != tt.want {
				t.Errorf("DerivedStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}
