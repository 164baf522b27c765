package tokenrefresh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// oidcStoredCredentials is the JSON shape persisted for an OIDC-issued
// marketplace integration: the refresh token minted at connect time.
type oidcStoredCredentials struct {
	RefreshToken string `json:"refresh_token"`
}

// OIDCMarketplaceProvider builds a Provider for an integration_type whose
// tokens are OIDC ID tokens issued by issuerURL: it refreshes through the
// discovered token endpoint and, when the response carries an ID token,
// verifies it before accepting the refresh.
func OIDCMarketplaceProvider(ctx context.Context, issuerURL, clientID, clientSecret string) (Provider, error) {
	discovered, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering oidc provider %s: %w", issuerURL, err)
	}
	verifier := discovered.Verifier(&oidc.Config{ClientID: clientID})

	oauth2Cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     discovered.Endpoint(),
	}

	return func(ctx context.Context, credentials string) (Outcome, error) {
		var stored oidcStoredCredentials
		if err := json.Unmarshal([]byte(credentials), &stored); err != nil {
			return Outcome{}, fmt.Errorf("decoding stored oidc credentials: %w", err)
		}

		token, err := oauth2Cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
		if err != nil {
			if isRevoked(err) {
				return Outcome{}, ErrRevoked
			}
			return Outcome{}, fmt.Errorf("refreshing oidc token: %w", err)
		}

		if rawIDToken, ok := token.Extra("id_token").(string); ok && rawIDToken != "" {
			if _, err := verifier.Verify(ctx, rawIDToken); err != nil {
				return Outcome{}, fmt.Errorf("verifying refreshed id token: %w", err)
			}
		}

		expiresAt := token.Expiry
		if expiresAt.IsZero() {
			expiresAt = time.Now().UTC().Add(time.Hour)
		}
		return Outcome{NewExpiresAt: expiresAt}, nil
	}, nil
}
