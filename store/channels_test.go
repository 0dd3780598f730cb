package store_test

import (
	"context"
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/mirrorwell/streamnest/store"
	"github.com/mirrorwell/streamnest/testutil"
)

func seedChannel(t *testing.T, dbx *sql.DB, id, name string, favorite, live bool) {
	t.Helper()
	_, err := dbx.Exec(`INSERT INTO channels (channel_id, channel_name, is_favorite, is_live, fetched_at, updated_at)
		VALUES ($1,$2,$3,$4,NOW(),NOW())`, id, name, favorite, live)
	if err != nil {
		t.Fatalf("seed channel %s: %v", id, err)
	}
}

func TestReconcileLiveStateTransitions(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "A", "alpha", true, false)
	seedChannel(t, dbx, "B", "beta", true, false)
	seedChannel(t, dbx, "C", "gamma", false, false)

	// A goes live.
	went, err := store.ReconcileLiveState(ctx, dbx, []string{"A"}, time.Now())
	if err != nil {
		t.Fatalf("reconcile 1: %v", err)
	}
	if len(went) != 0 {
		t.Errorf("first reconcile went-offline = %v, want none", went)
	}

	var live bool
	if err := dbx.QueryRow(`SELECT is_live FROM channels WHERE channel_id='A'`).Scan(&live); err != nil || !live {
		t.Fatalf("A is_live = %v err=%v, want true", live, err)
	}

	// Empty upstream live set clears everyone and reports A.
	went, err = store.ReconcileLiveState(ctx, dbx, nil, time.Now())
	if err != nil {
		t.Fatalf("reconcile 2: %v", err)
	}
	if len(went) != 1 || went[0] != "A" {
		t.Fatalf("went-offline = %v, want [A]", went)
	}

	var liveCount int
	if err := dbx.QueryRow(`SELECT COUNT(*) FROM channels WHERE is_live`).Scan(&liveCount); err != nil {
		t.Fatal(err)
	}
	if liveCount != 0 {
		t.Errorf("live count after empty reconcile = %d, want 0", liveCount)
	}
}

func TestReconcileLiveStateReportsOnlyTransitions(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "X", "xray", true, true)
	seedChannel(t, dbx, "Y", "yank", true, true)
	seedChannel(t, dbx, "Z", "zulu", false, false)

	// X stays live, Y drops, Z (never live) must not be reported.
	went, err := store.ReconcileLiveState(ctx, dbx, []string{"X"}, time.Now())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(went) != 1 || went[0] != "Y" {
		t.Fatalf("went-offline = %v, want [Y]", went)
	}
}

func TestReconcileLiveStateAdvancesLastSeen(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "A", "alpha", true, false)

	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.ReconcileLiveState(ctx, dbx, []string{"A"}, late); err != nil {
		t.Fatal(err)
	}
	// A reconcile with an older timestamp must not regress last_seen_at.
	if _, err := store.ReconcileLiveState(ctx, dbx, []string{"A"}, early); err != nil {
		t.Fatal(err)
	}

	var lastSeen time.Time
	if err := dbx.QueryRow(`SELECT last_seen_at FROM channels WHERE channel_id='A'`).Scan(&lastSeen); err != nil {
		t.Fatal(err)
	}
	if !lastSeen.Equal(late) {
		t.Errorf("last_seen_at = %s, want %s", lastSeen, late)
	}
}

func TestSyncFollowListUpsertsAndDeletes(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "old", "gone", true, false)
	seedChannel(t, dbx, "keep", "stale name", true, false)

	err := store.SyncFollowList(ctx, dbx, []store.FollowedUpsert{
		{ChannelID: "keep", ChannelName: "fresh name", ProfileImageURL: "http://img/keep.png"},
		{ChannelID: "new", ChannelName: "brand new"},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	channels, err := store.ListChannels(ctx, dbx)
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, 0, len(channels))
	for _, c := range channels {
		ids = append(ids, c.ChannelID)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "keep" || ids[1] != "new" {
		t.Fatalf("channels after sync = %v, want [keep new]", ids)
	}

	for _, c := range channels {
		if c.ChannelID == "keep" {
			if c.ChannelName != "fresh name" {
				t.Errorf("keep name = %q, want refreshed", c.ChannelName)
			}
			if !c.IsFavorite {
				t.Error("favorite flag lost during follow sync")
			}
		}
	}
}

func TestSyncFollowListEmptyDeletesAll(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "a", "a", false, false)
	seedChannel(t, dbx, "b", "b", true, true)

	if err := store.SyncFollowList(ctx, dbx, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	var n int
	if err := dbx.QueryRow(`SELECT COUNT(*) FROM channels`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("channel count = %d, want 0", n)
	}
}

func TestSetFavoriteResetsSortOrder(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "A", "alpha", false, false)
	if err := store.SetFavorite(ctx, dbx, "A", true); err != nil {
		t.Fatal(err)
	}
	if err := store.SetFavoriteOrder(ctx, dbx, []string{"A"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dbx.Exec(`UPDATE channels SET sort_order=5 WHERE channel_id='A'`); err != nil {
		t.Fatal(err)
	}

	if err := store.SetFavorite(ctx, dbx, "A", false); err != nil {
		t.Fatal(err)
	}
	var sortOrder int
	var fav bool
	if err := dbx.QueryRow(`SELECT sort_order, is_favorite FROM channels WHERE channel_id='A'`).Scan(&sortOrder, &fav); err != nil {
		t.Fatal(err)
	}
	if fav {
		t.Error("is_favorite still set")
	}
	if sortOrder != 0 {
		t.Errorf("sort_order = %d, want 0 after un-favorite", sortOrder)
	}
}

func TestSetFavoriteUnknownChannel(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	if err := store.SetFavorite(context.Background(), dbx, "missing", true); err != sql.ErrNoRows {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestFavoriteIDsOrdering(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "A", "alpha", true, false)
	seedChannel(t, dbx, "B", "beta", true, false)
	seedChannel(t, dbx, "C", "gamma", false, false)

	if err := store.SetFavoriteOrder(ctx, dbx, []string{"B", "A"}); err != nil {
		t.Fatal(err)
	}
	ids, err := store.FavoriteIDs(ctx, dbx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "B" || ids[1] != "A" {
		t.Fatalf("favorite ids = %v, want [B A]", ids)
	}
}

func TestUpdateLatestRecordingsForwardOnly(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()

	seedChannel(t, dbx, "A", "alpha", true, false)
	_, err := dbx.Exec(`INSERT INTO recordings (recording_id, channel_id, created_at) VALUES ('r1','A',$1), ('r2','A',$2)`,
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}

	newer := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.UpdateLatestRecording(ctx, dbx, "A", "r1", newer); err != nil {
		t.Fatal(err)
	}
	// Applying an older recording still moves the pointer but must not
	// regress last_seen_at.
	if err := store.UpdateLatestRecording(ctx, dbx, "A", "r2", older); err != nil {
		t.Fatal(err)
	}

	var pointer string
	var lastSeen time.Time
	if err := dbx.QueryRow(`SELECT latest_recording_id, last_seen_at FROM channels WHERE channel_id='A'`).Scan(&pointer, &lastSeen); err != nil {
		t.Fatal(err)
	}
	if pointer != "r2" {
		t.Errorf("latest_recording_id = %q, want r2", pointer)
	}
	if !lastSeen.Equal(newer) {
		t.Errorf("last_seen_at = %s, want %s (no regression)", lastSeen, newer)
	}
}
