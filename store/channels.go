// Package store contains the durable channel and recording cache operations.
// All mutation goes through single-transaction helpers here so that the
// scheduler and concurrent request handlers never race on read-then-write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Channel is one followed channel row.
type Channel struct {
	ChannelID         string
	ChannelName       string
	ProfileImageURL   string
	IsFavorite        bool
	IsLive            bool
	SortOrder         int
	LatestRecordingID sql.NullString
	LastSeenAt        sql.NullTime
	FetchedAt         sql.NullTime
	UpdatedAt         sql.NullTime
}

// FollowedUpsert is the follow-list sync input for one channel.
type FollowedUpsert struct {
	ChannelID       string
	ChannelName     string
	ProfileImageURL string
}

// RecordingPointer is a pending latest-recording update for a channel.
type RecordingPointer struct {
	RecordingID string
	CreatedAt   time.Time
}

// ReconcileLiveState atomically reconciles which channels are live. Every
// channel currently marked live whose id is not in liveIDs is flipped offline;
// every id in liveIDs is flipped live with last_seen_at advanced. Both phases
// commit together, and the returned ids are exactly the channels that
// transitioned to offline. An empty liveIDs clears all live flags.
func ReconcileLiveState(ctx context.Context, dbx *sql.DB, liveIDs []string, lastSeen time.Time) ([]string, error) {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reconcile begin tx: %w", err)
	}
	defer rollback(tx)

	offQuery := `UPDATE channels SET is_live=FALSE, updated_at=NOW() WHERE is_live`
	offArgs := []any{}
	if len(liveIDs) > 0 {
		offQuery += ` AND channel_id NOT IN (` + placeholders(1, len(liveIDs)) + `)`
		for _, id := range liveIDs {
			offArgs = append(offArgs, id)
		}
	}
	offQuery += ` RETURNING channel_id`

	rows, err := tx.QueryContext(ctx, offQuery, offArgs...)
	if err != nil {
		return nil, fmt.Errorf("reconcile offline phase: %w", err)
	}
	var wentOffline []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("reconcile scan: %w", err)
		}
		wentOffline = append(wentOffline, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("reconcile rows: %w", err)
	}
	_ = rows.Close()

	if len(liveIDs) > 0 {
		onArgs := []any{lastSeen}
		onQuery := `UPDATE channels SET is_live=TRUE,
			last_seen_at=GREATEST(COALESCE(last_seen_at, 'epoch'::timestamptz), $1),
			updated_at=NOW()
			WHERE channel_id IN (` + placeholders(2, len(liveIDs)) + `)`
		for _, id := range liveIDs {
			onArgs = append(onArgs, id)
		}
		if _, err := tx.ExecContext(ctx, onQuery, onArgs...); err != nil {
			return nil, fmt.Errorf("reconcile online phase: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("reconcile commit: %w", err)
	}
	return wentOffline, nil
}

// SyncFollowList replaces the followed-channel set in one transaction: every
// entry is upserted (refreshing name, image, fetched_at) and rows absent from
// the list are deleted. Favorite flags and sort order on surviving rows are
// untouched.
func SyncFollowList(ctx context.Context, dbx *sql.DB, follows []FollowedUpsert) error {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("follow sync begin tx: %w", err)
	}
	defer rollback(tx)

	for _, f := range follows {
		_, err := tx.ExecContext(ctx, `INSERT INTO channels (channel_id, channel_name, profile_image_url, fetched_at, updated_at)
			VALUES ($1,$2,$3,NOW(),NOW())
			ON CONFLICT (channel_id) DO UPDATE SET
				channel_name=EXCLUDED.channel_name,
				profile_image_url=CASE WHEN EXCLUDED.profile_image_url <> '' THEN EXCLUDED.profile_image_url ELSE channels.profile_image_url END,
				fetched_at=NOW(),
				updated_at=NOW()`,
			f.ChannelID, f.ChannelName, f.ProfileImageURL)
		if err != nil {
			return fmt.Errorf("follow sync upsert %s: %w", f.ChannelID, err)
		}
	}

	delQuery := `DELETE FROM channels`
	delArgs := []any{}
	if len(follows) > 0 {
		delQuery += ` WHERE channel_id NOT IN (` + placeholders(1, len(follows)) + `)`
		for _, f := range follows {
			delArgs = append(delArgs, f.ChannelID)
		}
	}
	if _, err := tx.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return fmt.Errorf("follow sync delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("follow sync commit: %w", err)
	}
	return nil
}

// UpdateLatestRecordings bulk-applies latest-recording pointers in one
// transaction. last_seen_at only ever moves forward: the recording's creation
// time is taken only when it is newer than the current value (NULL is always
// superseded).
func UpdateLatestRecordings(ctx context.Context, dbx *sql.DB, updates map[string]RecordingPointer) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest recording begin tx: %w", err)
	}
	defer rollback(tx)

	for channelID, p := range updates {
		_, err := tx.ExecContext(ctx, `UPDATE channels SET
				latest_recording_id=$2,
				last_seen_at=GREATEST(COALESCE(last_seen_at, 'epoch'::timestamptz), $3),
				updated_at=NOW()
			WHERE channel_id=$1`,
			channelID, p.RecordingID, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("latest recording update %s: %w", channelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("latest recording commit: %w", err)
	}
	return nil
}

// UpdateLatestRecording is the single-channel variant of UpdateLatestRecordings.
func UpdateLatestRecording(ctx context.Context, dbx *sql.DB, channelID, recordingID string, createdAt time.Time) error {
	return UpdateLatestRecordings(ctx, dbx, map[string]RecordingPointer{
		channelID: {RecordingID: recordingID, CreatedAt: createdAt},
	})
}

// SetFavorite flips the favorite flag. Un-favoriting resets sort_order since
// ordering is only meaningful among favorites.
func SetFavorite(ctx context.Context, dbx *sql.DB, channelID string, favorite bool) error {
	res, err := dbx.ExecContext(ctx, `UPDATE channels SET
			is_favorite=$2,
			sort_order=CASE WHEN $2 THEN sort_order ELSE 0 END,
			updated_at=NOW()
		WHERE channel_id=$1`, channelID, favorite)
	if err != nil {
		return fmt.Errorf("set favorite %s: %w", channelID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetFavoriteOrder persists the given favorite ordering in one transaction.
// Ids that are not favorites are ignored.
func SetFavoriteOrder(ctx context.Context, dbx *sql.DB, channelIDs []string) error {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("favorite order begin tx: %w", err)
	}
	defer rollback(tx)

	for i, id := range channelIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET sort_order=$2, updated_at=NOW() WHERE channel_id=$1 AND is_favorite`, id, i); err != nil {
			return fmt.Errorf("favorite order update %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("favorite order commit: %w", err)
	}
	return nil
}

// ListChannels returns all followed channels, favorites first in their sort
// order. Read-only; the web API serves this directly.
func ListChannels(ctx context.Context, dbx *sql.DB) ([]Channel, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT channel_id, channel_name, profile_image_url,
			is_favorite, is_live, sort_order, latest_recording_id, last_seen_at, fetched_at, updated_at
		FROM channels
		ORDER BY is_favorite DESC, sort_order ASC, channel_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ChannelID, &c.ChannelName, &c.ProfileImageURL,
			&c.IsFavorite, &c.IsLive, &c.SortOrder, &c.LatestRecordingID,
			&c.LastSeenAt, &c.FetchedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FavoriteIDs returns the favorite channel ids in sort order.
func FavoriteIDs(ctx context.Context, dbx *sql.DB) ([]string, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT channel_id FROM channels WHERE is_favorite ORDER BY sort_order ASC, channel_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("favorite ids: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan favorite id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Counts returns the favorite and live channel counts for status and metrics.
func Counts(ctx context.Context, dbx *sql.DB) (favorites, live int, err error) {
	row := dbx.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE is_favorite),
		COUNT(*) FILTER (WHERE is_live)
		FROM channels`)
	if err := row.Scan(&favorites, &live); err != nil {
		return 0, 0, fmt.Errorf("channel counts: %w", err)
	}
	return favorites, live, nil
}

// placeholders renders "$start,$start+1,..." for n parameters.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ",")
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("tx rollback failed", slog.Any("err", err))
	}
}
