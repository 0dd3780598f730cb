package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Recording is one cached recording row, keyed by the upstream recording id.
type Recording struct {
	RecordingID     string
	ChannelID       string
	Title           string
	DurationSeconds int
	CreatedAt       time.Time
	ThumbnailURL    string
	FetchedAt       sql.NullTime
}

// UpsertRecordings applies one channel's freshly fetched recordings (newest
// first) in a single transaction: upsert every row, point the channel's
// latest_recording_id at the newest one, and prune this channel's recordings
// older than the retention window. A conflicting upsert refreshes title,
// duration, thumbnail and fetched_at but never touches recording_id or
// created_at. Pruning never deletes a row still referenced by any channel's
// latest_recording_id, regardless of age.
func UpsertRecordings(ctx context.Context, dbx *sql.DB, channelID string, recs []Recording, retention time.Duration) error {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recordings begin tx: %w", err)
	}
	defer rollback(tx)

	for _, r := range recs {
		_, err := tx.ExecContext(ctx, `INSERT INTO recordings
				(recording_id, channel_id, title, duration_seconds, created_at, thumbnail_url, fetched_at)
			VALUES ($1,$2,$3,$4,$5,$6,NOW())
			ON CONFLICT (recording_id) DO UPDATE SET
				title=EXCLUDED.title,
				duration_seconds=EXCLUDED.duration_seconds,
				thumbnail_url=EXCLUDED.thumbnail_url,
				fetched_at=NOW()`,
			r.RecordingID, r.ChannelID, r.Title, r.DurationSeconds, r.CreatedAt, r.ThumbnailURL)
		if err != nil {
			return fmt.Errorf("recording upsert %s: %w", r.RecordingID, err)
		}
	}

	if len(recs) > 0 {
		newest := recs[0]
		_, err := tx.ExecContext(ctx, `UPDATE channels SET
				latest_recording_id=$2,
				last_seen_at=GREATEST(COALESCE(last_seen_at, 'epoch'::timestamptz), $3),
				updated_at=NOW()
			WHERE channel_id=$1`,
			channelID, newest.RecordingID, newest.CreatedAt)
		if err != nil {
			return fmt.Errorf("latest pointer update %s: %w", channelID, err)
		}
	}

	if retention > 0 {
		cutoff := time.Now().Add(-retention)
		_, err := tx.ExecContext(ctx, `DELETE FROM recordings
			WHERE channel_id=$1 AND created_at < $2
			AND recording_id NOT IN (SELECT latest_recording_id FROM channels WHERE latest_recording_id IS NOT NULL)`,
			channelID, cutoff)
		if err != nil {
			return fmt.Errorf("recording prune %s: %w", channelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recordings commit: %w", err)
	}
	return nil
}

// ListRecordings returns a channel's cached recordings, newest first.
func ListRecordings(ctx context.Context, dbx *sql.DB, channelID string) ([]Recording, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT recording_id, channel_id, title, duration_seconds, created_at, thumbnail_url, fetched_at
		FROM recordings WHERE channel_id=$1 ORDER BY created_at DESC`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []Recording
	for rows.Next() {
		var r Recording
		var created sql.NullTime
		if err := rows.Scan(&r.RecordingID, &r.ChannelID, &r.Title, &r.DurationSeconds, &created, &r.ThumbnailURL, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		if created.Valid {
			r.CreatedAt = created.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecording returns one recording by id, or sql.ErrNoRows.
func GetRecording(ctx context.Context, dbx *sql.DB, recordingID string) (Recording, error) {
	var r Recording
	var created sql.NullTime
	row := dbx.QueryRowContext(ctx, `SELECT recording_id, channel_id, title, duration_seconds, created_at, thumbnail_url, fetched_at
		FROM recordings WHERE recording_id=$1`, recordingID)
	if err := row.Scan(&r.RecordingID, &r.ChannelID, &r.Title, &r.DurationSeconds, &created, &r.ThumbnailURL, &r.FetchedAt); err != nil {
		return Recording{}, err
	}
	if created.Valid {
		r.CreatedAt = created.Time
	}
	return r, nil
}
