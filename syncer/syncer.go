package syncer

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorwell/streamnest/config"
	"github.com/mirrorwell/streamnest/store"
	"github.com/mirrorwell/streamnest/telemetry"
	"github.com/mirrorwell/streamnest/twitchapi"
)

// Synchronizer keeps the local channel and recording cache in step with
// Twitch. A background loop re-syncs the follow list each cycle, refreshes
// one favorite's recordings round-robin, and consults the backoff tracker
// before every upstream recording call. Live-state writes from any trigger
// (the loop or web requests) go through the coalescer.
type Synchronizer struct {
	cfg     config.Config
	dbx     *sql.DB
	helix   *twitchapi.HelixClient
	backoff *BackoffTracker
	coal    *Coalescer

	mu       sync.Mutex
	rr       int
	lastSync time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

func New(cfg config.Config, dbx *sql.DB, helix *twitchapi.HelixClient) *Synchronizer {
	return &Synchronizer{
		cfg:     cfg,
		dbx:     dbx,
		helix:   helix,
		backoff: NewBackoffTracker(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffStaleAfter),
		coal:    NewCoalescer(dbx, cfg.FlushRetryDelay),
		done:    make(chan struct{}),
	}
}

// Coalescer exposes the update buffers for request handlers.
func (s *Synchronizer) Coalescer() *Coalescer { return s.coal }

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Favorites         int       `json:"favorites"`
	LiveChannels      int       `json:"liveChannels"`
	BackoffEntries    int       `json:"backoffEntries"`
	PendingLive       int       `json:"pendingLive"`
	PendingRecordings int       `json:"pendingRecordings"`
	LastFollowSync    time.Time `json:"lastFollowSync"`
}

func (s *Synchronizer) Status(ctx context.Context) (Status, error) {
	favorites, live, err := store.Counts(ctx, s.dbx)
	if err != nil {
		return Status{}, &StoreError{Op: "channel counts", Err: err}
	}
	s.mu.Lock()
	lastSync := s.lastSync
	s.mu.Unlock()
	pendingLive, _, pendingRecs := s.coal.Pending()
	return Status{
		Favorites:         favorites,
		LiveChannels:      live,
		BackoffEntries:    s.backoff.Len(),
		PendingLive:       pendingLive,
		PendingRecordings: pendingRecs,
		LastFollowSync:    lastSync,
	}, nil
}

// SyncFollows pulls the follow list from upstream, resolves profile images,
// and reconciles the channels table in one transaction. Favorite flags and
// ordering on surviving rows are untouched.
func (s *Synchronizer) SyncFollows(ctx context.Context) error {
	var err error
	telemetry.TimeFunc(telemetry.FollowSyncDuration, func() {
		err = s.syncFollows(ctx)
	})
	if err != nil {
		telemetry.FollowSyncFailures.Inc()
	}
	return err
}

func (s *Synchronizer) syncFollows(ctx context.Context) error {
	follows, err := s.helix.GetFollowedChannels(ctx, s.cfg.TwitchUserID)
	if err != nil {
		telemetry.UpstreamErrors.Inc()
		return &UpstreamError{Op: "get followed channels", Err: err}
	}

	ids := make([]string, 0, len(follows))
	for _, f := range follows {
		ids = append(ids, f.ChannelID)
	}
	images := map[string]string{}
	users, err := s.helix.GetUsers(ctx, ids)
	if err != nil {
		// Profile images are cosmetic; sync the list without them.
		telemetry.UpstreamErrors.Inc()
		slog.Warn("user lookup failed, syncing follows without profile images", slog.Any("err", err))
	} else {
		for _, u := range users {
			images[u.ID] = u.ProfileImageURL
		}
	}

	upserts := make([]store.FollowedUpsert, 0, len(follows))
	for _, f := range follows {
		name := f.DisplayName
		if name == "" {
			name = f.Login
		}
		upserts = append(upserts, store.FollowedUpsert{
			ChannelID:       f.ChannelID,
			ChannelName:     name,
			ProfileImageURL: images[f.ChannelID],
		})
	}
	if err := store.SyncFollowList(ctx, s.dbx, upserts); err != nil {
		return &StoreError{Op: "sync follow list", Err: err}
	}

	s.mu.Lock()
	s.lastSync = time.Now()
	s.mu.Unlock()
	return nil
}

// RefreshLiveState polls the live streams of followed channels and schedules
// a live-state update through the coalescer. cascade controls whether
// channels that turn out to have gone offline get their recordings refreshed.
func (s *Synchronizer) RefreshLiveState(ctx context.Context, source string, cascade bool) error {
	streams, err := s.helix.GetFollowedStreams(ctx, s.cfg.TwitchUserID)
	if err != nil {
		telemetry.UpstreamErrors.Inc()
		return &UpstreamError{Op: "get followed streams", Err: err}
	}
	ids := make([]string, 0, len(streams))
	for _, st := range streams {
		ids = append(ids, st.ChannelID)
	}
	s.coal.ScheduleLiveStateUpdate(ids, source, cascade)
	return nil
}

// RefreshRecordings fetches a channel's newest recordings and persists them,
// recording the outcome with the backoff tracker. When fromCascade is set the
// latest-recording pointer additionally goes through the coalescer's
// recency-merge path.
func (s *Synchronizer) RefreshRecordings(ctx context.Context, channelID string, fromCascade bool) error {
	var err error
	telemetry.TimeFunc(telemetry.RefreshDuration, func() {
		err = s.refreshRecordings(ctx, channelID, fromCascade)
	})
	if err != nil {
		s.backoff.RecordFailure(channelID)
		telemetry.RefreshFailures.Inc()
		return err
	}
	s.backoff.RecordSuccess(channelID)
	telemetry.RecordingRefreshes.Inc()
	return nil
}

func (s *Synchronizer) refreshRecordings(ctx context.Context, channelID string, fromCascade bool) error {
	videos, err := s.helix.ListVideos(ctx, channelID, s.cfg.RecordingFetch)
	if err != nil {
		telemetry.UpstreamErrors.Inc()
		return &UpstreamError{Op: "list videos", Err: err}
	}
	recs := make([]store.Recording, 0, len(videos))
	for _, v := range videos {
		recs = append(recs, store.Recording{
			RecordingID:     v.ID,
			ChannelID:       channelID,
			Title:           v.Title,
			DurationSeconds: v.DurationSeconds,
			CreatedAt:       v.CreatedAt,
			ThumbnailURL:    v.ThumbnailURL,
		})
	}
	if err := store.UpsertRecordings(ctx, s.dbx, channelID, recs, s.cfg.RecordingRetention); err != nil {
		return &StoreError{Op: "upsert recordings", Err: err}
	}
	if fromCascade && len(recs) > 0 {
		s.coal.ScheduleLatestRecordingUpdate(channelID, recs[0].RecordingID, recs[0].CreatedAt)
	}
	return nil
}

// Interval computes the scheduler sleep. With no favorites the loop idles at
// the full cache TTL; otherwise every favorite should be visited within 80%
// of the TTL, clamped to the configured bounds.
func (s *Synchronizer) Interval(favoriteCount int) time.Duration {
	if favoriteCount == 0 {
		return s.cfg.CacheTTL
	}
	iv := time.Duration(float64(s.cfg.CacheTTL) * 0.8 / float64(favoriteCount))
	if iv < s.cfg.MinRefreshInterval {
		iv = s.cfg.MinRefreshInterval
	}
	if iv > s.cfg.MaxRefreshInterval {
		iv = s.cfg.MaxRefreshInterval
	}
	return iv
}

// PopulateInitialCache warms the cache at startup: follow list, live state,
// then every favorite's recordings in rate-limited batches. Failures are
// logged and skipped so the background loop always gets to start.
func (s *Synchronizer) PopulateInitialCache(ctx context.Context) {
	if err := s.SyncFollows(ctx); err != nil {
		slog.Error("initial follow sync failed", slog.Any("err", err))
	}

	streams, err := s.helix.GetFollowedStreams(ctx, s.cfg.TwitchUserID)
	if err != nil {
		telemetry.UpstreamErrors.Inc()
		slog.Error("initial live poll failed", slog.Any("err", err))
	} else {
		ids := make([]string, 0, len(streams))
		for _, st := range streams {
			ids = append(ids, st.ChannelID)
		}
		if _, err := store.ReconcileLiveState(ctx, s.dbx, ids, time.Now()); err != nil {
			slog.Error("initial live reconcile failed", slog.Any("err", err))
		}
	}

	favs, err := store.FavoriteIDs(ctx, s.dbx)
	if err != nil {
		slog.Error("initial favorite lookup failed", slog.Any("err", err))
		return
	}
	s.refreshBatch(ctx, favs, false)
	s.updateGauges(ctx)
	slog.Info("initial cache populated", slog.Int("favorites", len(favs)))
}

// refreshBatch refreshes the given channels RefreshBatchSize at a time with
// RefreshBatchDelay between batches, skipping channels under backoff.
func (s *Synchronizer) refreshBatch(ctx context.Context, channelIDs []string, fromCascade bool) {
	size := s.cfg.RefreshBatchSize
	if size <= 0 {
		size = 1
	}
	for i := 0; i < len(channelIDs); i += size {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RefreshBatchDelay):
			}
		}
		end := i + size
		if end > len(channelIDs) {
			end = len(channelIDs)
		}
		for _, id := range channelIDs[i:end] {
			if !s.backoff.Eligible(id) {
				continue
			}
			if err := s.RefreshRecordings(ctx, id, fromCascade); err != nil {
				slog.Warn("recording refresh failed",
					slog.String("channel_id", id), slog.Any("err", err))
			}
		}
	}
}

// StartBackgroundRefresh launches the scheduler loop and the coalescer
// worker. Calling it more than once is a no-op.
func (s *Synchronizer) StartBackgroundRefresh(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	// Cascades run off the flush worker's goroutine so a slow batched
	// refresh never stalls subsequent flushes.
	s.coal.OnWentOffline = func(ids []string) {
		go s.cascadeRefresh(runCtx, ids)
	}
	s.coal.Start(runCtx)
	go s.run(runCtx)
}

// StopBackgroundRefresh cancels the loop and waits for it and the coalescer
// worker to exit. Pending buffered updates are discarded; the next poll after
// a restart rebuilds them.
func (s *Synchronizer) StopBackgroundRefresh() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()
	if !started || cancel == nil {
		return
	}
	cancel()
	<-s.done
	<-s.coal.Done()
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)
	slog.Info("background refresh started",
		slog.Duration("cache_ttl", s.cfg.CacheTTL),
		slog.Int("batch_size", s.cfg.RefreshBatchSize))
	for {
		interval := s.tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("background refresh stopped")
			return
		case <-time.After(interval):
		}
	}
}

// tick runs one scheduler cycle and returns how long to sleep before the
// next. Every step is best-effort; a failed cycle never stops the loop.
func (s *Synchronizer) tick(ctx context.Context) time.Duration {
	telemetry.SyncCycles.Inc()

	if err := s.SyncFollows(ctx); err != nil {
		slog.Warn("follow sync failed, keeping cached list", slog.Any("err", err))
	}
	if err := s.RefreshLiveState(ctx, "cycle", true); err != nil {
		slog.Warn("live state poll failed", slog.Any("err", err))
	}

	favs, err := store.FavoriteIDs(ctx, s.dbx)
	if err != nil {
		slog.Error("favorite lookup failed", slog.Any("err", err))
		return s.cfg.MaxRefreshInterval
	}

	if id, ok := s.nextFavorite(favs); ok {
		if err := s.RefreshRecordings(ctx, id, false); err != nil {
			slog.Warn("recording refresh failed",
				slog.String("channel_id", id), slog.Any("err", err))
		}
	}

	favSet := make(map[string]struct{}, len(favs))
	for _, id := range favs {
		favSet[id] = struct{}{}
	}
	s.backoff.Sweep(favSet)
	s.updateGauges(ctx)
	return s.Interval(len(favs))
}

// nextFavorite advances the round-robin cursor past channels under backoff
// and returns the first eligible favorite, if any.
func (s *Synchronizer) nextFavorite(favs []string) (string, bool) {
	if len(favs) == 0 {
		return "", false
	}
	s.mu.Lock()
	start := s.rr
	s.mu.Unlock()
	for i := 0; i < len(favs); i++ {
		idx := (start + i) % len(favs)
		id := favs[idx]
		if s.backoff.Eligible(id) {
			s.mu.Lock()
			s.rr = idx + 1
			s.mu.Unlock()
			return id, true
		}
	}
	s.mu.Lock()
	s.rr = start + 1
	s.mu.Unlock()
	return "", false
}

// cascadeRefresh refreshes recordings for favorites that just went offline,
// in the same rate-limited batches as the warm sweep.
func (s *Synchronizer) cascadeRefresh(ctx context.Context, wentOffline []string) {
	favs, err := store.FavoriteIDs(ctx, s.dbx)
	if err != nil {
		slog.Error("favorite lookup failed during cascade", slog.Any("err", err))
		return
	}
	favSet := make(map[string]struct{}, len(favs))
	for _, id := range favs {
		favSet[id] = struct{}{}
	}
	var targets []string
	for _, id := range wentOffline {
		if _, ok := favSet[id]; ok {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}
	slog.Info("channels went offline, refreshing recordings",
		slog.Int("count", len(targets)))
	s.refreshBatch(ctx, targets, true)
}

func (s *Synchronizer) updateGauges(ctx context.Context) {
	favorites, live, err := store.Counts(ctx, s.dbx)
	if err != nil {
		return
	}
	telemetry.SetFavorites(favorites)
	telemetry.SetLiveChannels(live)
}
