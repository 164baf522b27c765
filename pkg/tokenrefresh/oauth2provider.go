package tokenrefresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// storedCredentials is the JSON shape persisted (encrypted) as a token's
// opaque credential blob: enough to build an oauth2.TokenSource and force a
// refresh.
type storedCredentials struct {
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
}

// revokedStatusCodes are the HTTP statuses an OAuth provider's token
// endpoint returns when a refresh token has been revoked rather than merely
// expired or rate-limited.
var revokedStatusCodes = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
}

// OAuth2Provider builds a Provider bound to a fixed oauth2.Config (client
// id/secret, token endpoint) for one integration_type; it refreshes through
// oauth2.Config.TokenSource.
func OAuth2Provider(cfg *oauth2.Config) Provider {
	return func(ctx context.Context, credentials string) (Outcome, error) {
		var stored storedCredentials
		if err := json.Unmarshal([]byte(credentials), &stored); err != nil {
			return Outcome{}, fmt.Errorf("decoding stored oauth2 credentials: %w", err)
		}
		if stored.RefreshToken == "" {
			return Outcome{}, fmt.Errorf("stored credentials missing refresh_token")
		}

		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken})
		newToken, err := src.Token()
		if err != nil {
			if isRevoked(err) {
				return Outcome{}, ErrRevoked
			}
			return Outcome{}, fmt.Errorf("exchanging refresh token: %w", err)
		}

		expiry := newToken.Expiry
		if expiry.IsZero() {
			expiry = time.Now().Add(time.Hour)
		}
		return Outcome{NewExpiresAt: expiry}, nil
	}
}

func isRevoked(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return revokedStatusCodes[retrieveErr.Response.StatusCode]
	}
	return false
}
