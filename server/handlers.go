package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mirrorwell/streamnest/config"
	"github.com/mirrorwell/streamnest/store"
	"github.com/mirrorwell/streamnest/syncer"
)

// Maximum number of OAuth states to keep in memory.
const maxOAuthStates = 10000

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	sync       *syncer.Synchronizer
	cfg        config.Config
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, sync *syncer.Synchronizer, cfg config.Config) *Handlers {
	return &Handlers{
		db:         db,
		sync:       sync,
		cfg:        cfg,
		stateStore: make(map[string]time.Time),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", slog.Any("err", err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses: bad input is a 400,
// a missing row a 404, upstream trouble a 502, anything else a 500.
func writeError(w http.ResponseWriter, err error) {
	var ve *syncer.ValidationError
	var ue *syncer.UpstreamError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.Is(err, sql.ErrNoRows):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &ue):
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type channelResponse struct {
	ChannelID         string     `json:"channelId"`
	ChannelName       string     `json:"channelName"`
	ProfileImageURL   string     `json:"profileImageUrl"`
	IsFavorite        bool       `json:"isFavorite"`
	IsLive            bool       `json:"isLive"`
	SortOrder         int        `json:"sortOrder"`
	LatestRecordingID string     `json:"latestRecordingId,omitempty"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
}

func toChannelResponse(c store.Channel) channelResponse {
	out := channelResponse{
		ChannelID:       c.ChannelID,
		ChannelName:     c.ChannelName,
		ProfileImageURL: c.ProfileImageURL,
		IsFavorite:      c.IsFavorite,
		IsLive:          c.IsLive,
		SortOrder:       c.SortOrder,
	}
	if c.LatestRecordingID.Valid {
		out.LatestRecordingID = c.LatestRecordingID.String
	}
	if c.LastSeenAt.Valid {
		t := c.LastSeenAt.Time
		out.LastSeenAt = &t
	}
	return out
}

// HandleChannels serves GET /channels: the cached channel list, favorites
// first.
func (h *Handlers) HandleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channels, err := store.ListChannels(r.Context(), h.db)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]channelResponse, 0, len(channels))
	for _, c := range channels {
		out = append(out, toChannelResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleChannelsDispatcher routes /channels/... subpaths:
//
//	PUT /channels/order
//	PUT /channels/{id}/favorite
//	GET /channels/{id}/recordings
func (h *Handlers) HandleChannelsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/channels/")

	if rest == "order" {
		h.handleFavoriteOrder(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) == 2 && parts[0] != "" {
		switch parts[1] {
		case "favorite":
			h.handleSetFavorite(w, r, parts[0])
			return
		case "recordings":
			h.handleListRecordings(w, r, parts[0])
			return
		}
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (h *Handlers) handleSetFavorite(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Favorite *bool `json:"favorite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Favorite == nil {
		writeError(w, &syncer.ValidationError{Field: "favorite", Msg: "body must be {\"favorite\": bool}"})
		return
	}
	if err := store.SetFavorite(r.Context(), h.db, channelID, *body.Favorite); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "favorite": *body.Favorite})
}

func (h *Handlers) handleFavoriteOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		ChannelIDs []string `json:"channelIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.ChannelIDs) == 0 {
		writeError(w, &syncer.ValidationError{Field: "channelIds", Msg: "body must be {\"channelIds\": [...]}"})
		return
	}
	if err := store.SetFavoriteOrder(r.Context(), h.db, body.ChannelIDs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channelIds": body.ChannelIDs})
}

func (h *Handlers) handleListRecordings(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := store.ListRecordings(r.Context(), h.db, channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleRefreshLive serves POST /refresh/live: polls the upstream live set
// and schedules a coalesced reconciliation with offline cascade. Concurrent
// requests merge into a single store write.
func (h *Handlers) HandleRefreshLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.sync.RefreshLiveState(r.Context(), "api", true); err != nil {
		slog.Warn("live refresh trigger failed", slog.Any("err", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// HandleStatus serves GET /status with a snapshot of the synchronizer.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
