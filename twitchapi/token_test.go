package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAppTokenSourceFetchesAndCaches(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "app-token",
			"expires_in":   3600,
			"token_type":   "bearer",
		})
	}))
	defer server.Close()

	ts := &AppTokenSource{
		ClientID:     "id",
		ClientSecret: "secret",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "app-token" {
		t.Fatalf("token = %q, want app-token", tok)
	}

	// Second Get must come from cache.
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatalf("cached Get() error = %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected 1 token request, got %d", requests)
	}

	// Invalidate forces a refetch.
	ts.Invalidate()
	if _, err := ts.Get(context.Background()); err != nil {
		t.Fatalf("post-invalidate Get() error = %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected 2 token requests after invalidate, got %d", requests)
	}
}

func TestAppTokenSourceRefreshesNearExpiry(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "renewed",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	ts := &AppTokenSource{
		ClientID:     "id",
		ClientSecret: "secret",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}
	// Inside the 60s expiry buffer, Get must refresh.
	ts.SetToken("nearly-dead", time.Now().Add(30*time.Second))

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "renewed" {
		t.Fatalf("token = %q, want renewed", tok)
	}
	if requests != 1 {
		t.Fatalf("expected 1 refresh request, got %d", requests)
	}
}

func TestAppTokenSourceMissingCreds(t *testing.T) {
	ts := &AppTokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error with missing client id/secret")
	}
}

func TestAppTokenSourceErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"invalid client"}`))
	}))
	defer server.Close()

	ts := &AppTokenSource{
		ClientID:     "id",
		ClientSecret: "bad",
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error from non-200 token response")
	}
}
