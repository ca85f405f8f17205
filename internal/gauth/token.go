// Package gauth supplies bearer tokens for the Google API adapters.
package gauth

import (
	"context"
	"fmt"
)

// TokenSource yields an OAuth2 bearer token for outgoing requests.
// Implementations may refresh under the hood; callers must not cache
// the returned token across requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, typically loaded from the environment.
type Static string

// Token returns the static token, or an error when none is configured.
func (s Static) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no Google OAuth token configured (set GOOGLE_OAUTH_TOKEN)")
	}
	return string(s), nil
}
