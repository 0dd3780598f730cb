package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirrorwell/streamnest/testutil"
)

func TestStartRefresherOutsideWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)

	futureExpiry := time.Now().Add(1 * time.Hour)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "access123", "refresh456", futureExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, db, "test-provider", 50*time.Millisecond, 30*time.Minute, refreshFunc)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not run for a token expiring in 1h with a 30m window")
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "old-access", "old-refresh", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	newExpiry := time.Now().Add(2 * time.Hour)
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh called with wrong token: got %s, want old-refresh", refreshToken)
		}
		refreshCalled = true
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, db, "test-provider", 100*time.Millisecond, 15*time.Minute, refreshFunc)
	time.Sleep(300 * time.Millisecond)
	cancel()

	if !refreshCalled {
		t.Fatal("refresh should have been called for token expiring within window")
	}

	var access, refresh, scope string
	var expiry time.Time
	err = db.QueryRow(`SELECT access_token, refresh_token, expires_at, scope FROM oauth_tokens WHERE provider='test-provider'`).
		Scan(&access, &refresh, &expiry, &scope)
	if err != nil {
		t.Fatalf("failed to query updated token: %v", err)
	}
	if access != "new-access" {
		t.Errorf("access token not updated: got %s", access)
	}
	if refresh != "new-refresh" {
		t.Errorf("refresh token not updated: got %s", refresh)
	}
	if scope != "scope2" {
		t.Errorf("scope not updated: got %s", scope)
	}
}

func TestStartRefresherRefreshError(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "old-access", "old-refresh", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("refresh failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, db, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	time.Sleep(200 * time.Millisecond)
	cancel()

	var access string
	if err := db.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider='test-provider'`).Scan(&access); err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if access != "old-access" {
		t.Errorf("token should not have been updated on error, got %s", access)
	}
}

func TestStartRefresherNoRefreshToken(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "access123", "", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, db, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	time.Sleep(150 * time.Millisecond)
	cancel()

	if refreshCalled {
		t.Error("refresh should not be called when refresh_token is empty")
	}
}

func TestStartRefresherPreservesRefreshToken(t *testing.T) {
	db := testutil.SetupTestDB(t)

	soonExpiry := time.Now().Add(5 * time.Minute)
	_, err := db.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		"test-provider", "old-access", "original-refresh", soonExpiry, "scope1")
	if err != nil {
		t.Fatalf("failed to insert test token: %v", err)
	}

	// Provider omits the rotated refresh token and scope; originals stay.
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "new-access", "", time.Now().Add(2 * time.Hour), "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, db, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc)
	time.Sleep(200 * time.Millisecond)
	cancel()

	var refresh, scope string
	err = db.QueryRow(`SELECT refresh_token, scope FROM oauth_tokens WHERE provider='test-provider'`).
		Scan(&refresh, &scope)
	if err != nil {
		t.Fatalf("failed to query token: %v", err)
	}
	if refresh != "original-refresh" {
		t.Errorf("refresh token should be preserved, got %s", refresh)
	}
	if scope != "scope1" {
		t.Errorf("scope should be preserved, got %s", scope)
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	db := testutil.SetupTestDB(t)

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "access", "refresh", time.Now().Add(1 * time.Hour), "scope", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, db, "test-provider", 1*time.Second, 15*time.Minute, refreshFunc)
	cancel()
	time.Sleep(50 * time.Millisecond)
	// Reaching here without a hang means cancellation works.
}
