package oauth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/mirrorwell/streamnest/config"
)

// ProviderTwitch is the oauth_tokens row key for the user token.
const ProviderTwitch = "twitch"

// NewTwitchConfig builds the authorization-code config for the user access
// token that the followed-channels and followed-streams endpoints require.
func NewTwitchConfig(cfg config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  cfg.TwitchRedirectURI,
		Scopes:       strings.Fields(cfg.TwitchScopes),
		Endpoint:     twitch.Endpoint,
	}
}

// TwitchRefreshFunc adapts the refresh-token grant to the refresher's
// callback shape.
func TwitchRefreshFunc(cfg config.Config) RefreshFunc {
	oc := NewTwitchConfig(cfg)
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		ts := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := ts.Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		// Twitch returns scope as a JSON array in the token response.
		scope := ""
		if v, ok := tok.Extra("scope").([]interface{}); ok {
			parts := make([]string, 0, len(v))
			for _, s := range v {
				if str, ok := s.(string); ok {
					parts = append(parts, str)
				}
			}
			scope = strings.Join(parts, " ")
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, scope, nil
	}
}
