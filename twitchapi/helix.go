// Package twitchapi contains typed helpers to interact with Twitch Helix APIs:
// followed channels, followed live streams, user lookup, and archive videos.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	helixBase = "https://api.twitch.tv/helix"

	// helixMaxRetries bounds attempts on transient (429/5xx/network) failures.
	// A 401 additionally grants exactly one refresh-and-retry on top of this.
	helixMaxRetries = 3

	// maxUserLookup is the Helix cap on ids per /users call.
	maxUserLookup = 100

	pageSize = 100
)

// ErrNotAuthenticated reports a missing or rejected credential. It is not
// retried here; credential renewal is the oauth refresher's job.
var ErrNotAuthenticated = errors.New("twitch: not authenticated")

// FollowedChannel is one entry of the authenticated user's follow list.
type FollowedChannel struct {
	ChannelID   string
	Login       string
	DisplayName string
	FollowedAt  time.Time
}

// Stream is a currently live broadcast by a followed channel.
type Stream struct {
	ChannelID   string
	Login       string
	Title       string
	ViewerCount int
	StartedAt   time.Time
}

// User is the profile record behind a channel id.
type User struct {
	ID              string
	Login           string
	DisplayName     string
	ProfileImageURL string
}

// Video is one archived recording (VOD), newest first as Helix returns them.
type Video struct {
	ID              string
	ChannelID       string
	Title           string
	DurationSeconds int
	CreatedAt       time.Time
	ThumbnailURL    string
}

// HelixClient provides the upstream calls the synchronizer needs. Every method
// returns the parsed payload or an error; none panic or retry beyond the
// bounded policy above.
//
// TokenSource supplies the user token required by the followed-channels and
// followed-streams endpoints. AppTokens, when set, supplies an app access
// token for the public endpoints (users, videos) so those calls keep working
// while the user token is being reauthorized; when nil they fall back to
// TokenSource.
type HelixClient struct {
	TokenSource TokenSource
	AppTokens   TokenSource
	ClientID    string
	HTTPClient  *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) publicTokens() TokenSource {
	if hc.AppTokens != nil {
		return hc.AppTokens
	}
	return hc.TokenSource
}

// getJSON performs an authenticated GET with bounded retry. Transient failures
// (network error, 429, 5xx) retry up to helixMaxRetries attempts; a 401 at any
// point invalidates the cached token and grants one additional attempt with a
// fresh one, never more.
func (hc *HelixClient) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	return hc.getJSONAs(ctx, hc.TokenSource, endpoint, query, out)
}

func (hc *HelixClient) getJSONAs(ctx context.Context, ts TokenSource, endpoint string, query url.Values, out any) error {
	var lastErr error
	refreshed := false
	for attempt := 1; attempt <= helixMaxRetries; attempt++ {
		tok, err := ts.Get(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+endpoint, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = query.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sleepRetry(ctx, attempt, "")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			if err != nil {
				return fmt.Errorf("decode %s response: %w", endpoint, err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			closeBody(resp)
			if refreshed {
				return fmt.Errorf("%w: token rejected twice for %s", ErrNotAuthenticated, endpoint)
			}
			refreshed = true
			ts.Invalidate()
			// The refresh attempt is free: do not consume a retry slot.
			attempt--
			lastErr = fmt.Errorf("unauthorized on %s", endpoint)
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retryAfter := resp.Header.Get("Retry-After")
			closeBody(resp)
			lastErr = fmt.Errorf("twitch %s returned %s", endpoint, resp.Status)
			sleepRetry(ctx, attempt, retryAfter)
			continue
		default:
			closeBody(resp)
			return fmt.Errorf("twitch %s returned %s", endpoint, resp.Status)
		}
	}
	return fmt.Errorf("twitch %s failed after %d attempts: %w", endpoint, helixMaxRetries, lastErr)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func sleepRetry(ctx context.Context, attempt int, retryAfter string) {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 && secs <= 10 {
			d = time.Duration(secs) * time.Second
		}
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// GetFollowedChannels returns the complete follow list of userID, draining
// cursor pagination. Any page failure discards partial results.
func (hc *HelixClient) GetFollowedChannels(ctx context.Context, userID string) ([]FollowedChannel, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var all []FollowedChannel
	after := ""
	for {
		q := url.Values{}
		q.Set("user_id", userID)
		q.Set("first", strconv.Itoa(pageSize))
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data []struct {
				BroadcasterID    string `json:"broadcaster_id"`
				BroadcasterLogin string `json:"broadcaster_login"`
				BroadcasterName  string `json:"broadcaster_name"`
				FollowedAt       string `json:"followed_at"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.getJSON(ctx, "/channels/followed", q, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			followed, _ := time.Parse(time.RFC3339, d.FollowedAt)
			all = append(all, FollowedChannel{
				ChannelID:   d.BroadcasterID,
				Login:       d.BroadcasterLogin,
				DisplayName: d.BroadcasterName,
				FollowedAt:  followed,
			})
		}
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			return all, nil
		}
		after = body.Pagination.Cursor
	}
}

// GetFollowedStreams returns the live streams among the channels userID
// follows, draining pagination.
func (hc *HelixClient) GetFollowedStreams(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	var all []Stream
	after := ""
	for {
		q := url.Values{}
		q.Set("user_id", userID)
		q.Set("first", strconv.Itoa(pageSize))
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data []struct {
				UserID      string `json:"user_id"`
				UserLogin   string `json:"user_login"`
				Title       string `json:"title"`
				ViewerCount int    `json:"viewer_count"`
				StartedAt   string `json:"started_at"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.getJSON(ctx, "/streams/followed", q, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			started, _ := time.Parse(time.RFC3339, d.StartedAt)
			all = append(all, Stream{
				ChannelID:   d.UserID,
				Login:       d.UserLogin,
				Title:       d.Title,
				ViewerCount: d.ViewerCount,
				StartedAt:   started,
			})
		}
		if body.Pagination.Cursor == "" || len(body.Data) == 0 {
			return all, nil
		}
		after = body.Pagination.Cursor
	}
}

// GetUsers looks up profile records for the given ids, batching at the Helix
// limit of 100 per call.
func (hc *HelixClient) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	var all []User
	for start := 0; start < len(ids); start += maxUserLookup {
		end := start + maxUserLookup
		if end > len(ids) {
			end = len(ids)
		}
		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("id", id)
		}
		var body struct {
			Data []struct {
				ID              string `json:"id"`
				Login           string `json:"login"`
				DisplayName     string `json:"display_name"`
				ProfileImageURL string `json:"profile_image_url"`
			} `json:"data"`
		}
		if err := hc.getJSONAs(ctx, hc.publicTokens(), "/users", q, &body); err != nil {
			return nil, err
		}
		for _, d := range body.Data {
			all = append(all, User{ID: d.ID, Login: d.Login, DisplayName: d.DisplayName, ProfileImageURL: d.ProfileImageURL})
		}
	}
	return all, nil
}

// ListVideos lists the most recent archive videos for a channel, newest first.
func (hc *HelixClient) ListVideos(ctx context.Context, channelID string, first int) ([]Video, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channelID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", channelID)
	q.Set("type", "archive")
	q.Set("sort", "time")
	q.Set("first", strconv.Itoa(first))
	var body struct {
		Data []struct {
			ID           string `json:"id"`
			UserID       string `json:"user_id"`
			Title        string `json:"title"`
			Duration     string `json:"duration"`
			CreatedAt    string `json:"created_at"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := hc.getJSONAs(ctx, hc.publicTokens(), "/videos", q, &body); err != nil {
		return nil, err
	}
	out := make([]Video, 0, len(body.Data))
	for _, v := range body.Data {
		created, _ := time.Parse(time.RFC3339, v.CreatedAt)
		out = append(out, Video{
			ID:              v.ID,
			ChannelID:       v.UserID,
			Title:           v.Title,
			DurationSeconds: ParseDuration(v.Duration),
			CreatedAt:       created,
			ThumbnailURL:    v.ThumbnailURL,
		})
	}
	return out, nil
}

// ParseDuration parses Twitch duration format like "3h15m42s" into seconds.
func ParseDuration(s string) int {
	var total int
	cur := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur += string(r)
			continue
		}
		if cur == "" {
			continue
		}
		n := 0
		for _, d := range cur {
			n = n*10 + int(d-'0')
		}
		switch r {
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		}
		cur = ""
	}
	return total
}
