package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserTokenSource serves the stored Twitch user token for Helix calls that
// require user scopes (the followed-channels and followed-streams endpoints).
// Refreshing the stored token is the oauth package's job; Invalidate is a
// no-op because this source never caches.
type UserTokenSource struct {
	DB       *sql.DB
	Provider string
}

// Get returns the stored access token, or an error when none is stored or it
// has already expired.
func (s *UserTokenSource) Get(ctx context.Context) (string, error) {
	provider := s.Provider
	if provider == "" {
		provider = "twitch"
	}
	access, _, expiry, _, err := GetOAuthToken(ctx, s.DB, provider)
	if err != nil {
		return "", fmt.Errorf("load %s token: %w", provider, err)
	}
	if access == "" {
		return "", fmt.Errorf("no %s user token stored", provider)
	}
	if !expiry.IsZero() && time.Until(expiry) <= 0 {
		return "", fmt.Errorf("%s user token expired at %s", provider, expiry.Format(time.RFC3339))
	}
	return access, nil
}

// Invalidate implements the token source contract; the next Get re-reads the row.
func (s *UserTokenSource) Invalidate() {}
