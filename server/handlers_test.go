package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mirrorwell/streamnest/config"
	"github.com/mirrorwell/streamnest/syncer"
	"github.com/mirrorwell/streamnest/telemetry"
	"github.com/mirrorwell/streamnest/testutil"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	m.Run()
}

func seedChannel(t *testing.T, dbx *sql.DB, id, name string, favorite, live bool) {
	t.Helper()
	_, err := dbx.Exec(`INSERT INTO channels (channel_id, channel_name, is_favorite, is_live, fetched_at, updated_at)
		VALUES ($1,$2,$3,$4,NOW(),NOW())`, id, name, favorite, live)
	if err != nil {
		t.Fatalf("seed channel %s: %v", id, err)
	}
}

func testServerConfig() config.Config {
	return config.Config{
		TwitchUserID:       "user-1",
		CacheTTL:           30 * time.Minute,
		MinRefreshInterval: 5 * time.Second,
		MaxRefreshInterval: 5 * time.Minute,
		RecordingFetch:     5,
		RefreshBatchSize:   3,
		RefreshBatchDelay:  10 * time.Millisecond,
		BackoffBase:        time.Minute,
		BackoffMax:         time.Hour,
		BackoffStaleAfter:  24 * time.Hour,
		FlushRetryDelay:    50 * time.Millisecond,
	}
}

func TestChannelsEndpoint(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedChannel(t, dbx, "A", "alpha", false, false)
	seedChannel(t, dbx, "B", "beta", true, true)

	h := NewHandlers(dbx, nil, testServerConfig())
	req := httptest.NewRequest(http.MethodGet, "/channels", nil)
	rec := httptest.NewRecorder()
	h.HandleChannels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out []channelResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("channels = %d, want 2", len(out))
	}
	// Favorites sort first.
	if out[0].ChannelID != "B" || !out[0].IsFavorite || !out[0].IsLive {
		t.Errorf("first channel = %+v, want favorite live B", out[0])
	}
}

func TestChannelsMethodNotAllowed(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodPost, "/channels", nil)
	rec := httptest.NewRecorder()
	h.HandleChannels(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestSetFavoriteEndpoint(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedChannel(t, dbx, "A", "alpha", false, false)

	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodPut, "/channels/A/favorite", strings.NewReader(`{"favorite":true}`))
	rec := httptest.NewRecorder()
	h.HandleChannelsDispatcher(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var fav bool
	if err := dbx.QueryRow(`SELECT is_favorite FROM channels WHERE channel_id='A'`).Scan(&fav); err != nil {
		t.Fatal(err)
	}
	if !fav {
		t.Error("favorite flag not persisted")
	}
}

func TestSetFavoriteUnknownChannel(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodPut, "/channels/nope/favorite", strings.NewReader(`{"favorite":true}`))
	rec := httptest.NewRecorder()
	h.HandleChannelsDispatcher(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSetFavoriteBadBody(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodPut, "/channels/A/favorite", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.HandleChannelsDispatcher(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestFavoriteOrderEndpoint(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedChannel(t, dbx, "A", "alpha", true, false)
	seedChannel(t, dbx, "B", "beta", true, false)

	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodPut, "/channels/order", strings.NewReader(`{"channelIds":["B","A"]}`))
	rec := httptest.NewRecorder()
	h.HandleChannelsDispatcher(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var first string
	if err := dbx.QueryRow(`SELECT channel_id FROM channels WHERE is_favorite ORDER BY sort_order LIMIT 1`).Scan(&first); err != nil {
		t.Fatal(err)
	}
	if first != "B" {
		t.Errorf("first favorite = %s, want B", first)
	}
}

func TestFavoriteOrderEmptyBody(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodPut, "/channels/order", strings.NewReader(`{"channelIds":[]}`))
	rec := httptest.NewRecorder()
	h.HandleChannelsDispatcher(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRefreshLiveEndpoint(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedChannel(t, dbx, "A", "alpha", true, false)

	mock := testutil.NewMockTwitchServer(t)
	mock.MockFollowedStreams([]map[string]interface{}{
		{"user_id": "A", "user_login": "alpha", "title": "live", "viewer_count": 3, "started_at": "2024-06-01T00:00:00Z"},
	})

	s := syncer.New(testServerConfig(), dbx, mock.HelixClient())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Coalescer().Start(ctx)

	h := NewHandlers(dbx, s, testServerConfig())
	req := httptest.NewRequest(http.MethodPost, "/refresh/live", nil)
	rec := httptest.NewRecorder()
	h.HandleRefreshLive(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var live bool
		if err := dbx.QueryRow(`SELECT is_live FROM channels WHERE channel_id='A'`).Scan(&live); err == nil && live {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduled live update never flushed")
}

func TestRefreshLiveUpstreamDown(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["/helix/streams/followed"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	s := syncer.New(testServerConfig(), dbx, mock.HelixClient())
	h := NewHandlers(dbx, s, testServerConfig())

	req := httptest.NewRequest(http.MethodPost, "/refresh/live", nil)
	rec := httptest.NewRecorder()
	h.HandleRefreshLive(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestReadyzRequiresToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	h := NewHandlers(dbx, nil, testServerConfig())

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 without token", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["failed_check"] != "credentials" {
		t.Errorf("failed_check = %q, want credentials", body["failed_check"])
	}

	_, err := dbx.Exec(`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope)
		VALUES ('twitch','at','rt',NOW() + INTERVAL '1 hour','user:read:follows')`)
	if err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with token", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedChannel(t, dbx, "A", "alpha", true, true)
	seedChannel(t, dbx, "B", "beta", false, false)

	s := syncer.New(testServerConfig(), dbx, nil)
	h := NewHandlers(dbx, s, testServerConfig())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var st syncer.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Favorites != 1 || st.LiveChannels != 1 {
		t.Errorf("status = %+v, want 1 favorite and 1 live", st)
	}
}
