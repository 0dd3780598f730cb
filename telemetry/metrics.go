// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SyncCycles         prometheus.Counter
	FollowSyncFailures prometheus.Counter
	RecordingRefreshes prometheus.Counter
	RefreshFailures    prometheus.Counter
	LiveFlushes        prometheus.Counter
	RecordingFlushes   prometheus.Counter
	FlushRetries       prometheus.Counter
	UpstreamErrors     prometheus.Counter

	// Histograms (seconds)
	FollowSyncDuration prometheus.Observer
	RefreshDuration    prometheus.Observer

	// Gauges
	FavoritesGauge      prometheus.Gauge
	LiveChannelsGauge   prometheus.Gauge
	BackoffEntriesGauge prometheus.Gauge
	PendingUpdatesGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SyncCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_sync_cycles_total", Help: "Number of scheduler cycles run"})
		FollowSyncFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_follow_sync_failures_total", Help: "Number of failed follow-list syncs"})
		RecordingRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_recording_refreshes_total", Help: "Number of per-channel recording refreshes completed"})
		RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_recording_refresh_failures_total", Help: "Number of failed recording refreshes"})
		LiveFlushes = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_live_flushes_total", Help: "Number of coalesced live-state flushes applied"})
		RecordingFlushes = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_recording_flushes_total", Help: "Number of coalesced latest-recording flushes applied"})
		FlushRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_flush_retries_total", Help: "Number of flush batches requeued after store failure"})
		UpstreamErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "streamnest_upstream_errors_total", Help: "Number of Twitch API call failures"})
		FollowSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamnest_follow_sync_duration_seconds", Help: "Follow-list sync duration seconds", Buckets: prometheus.DefBuckets})
		RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamnest_recording_refresh_duration_seconds", Help: "Recording refresh duration seconds", Buckets: prometheus.DefBuckets})
		FavoritesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamnest_favorites", Help: "Current number of favorite channels"})
		LiveChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamnest_live_channels", Help: "Current number of channels marked live"})
		BackoffEntriesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamnest_backoff_entries", Help: "Channels currently under retry backoff"})
		PendingUpdatesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamnest_pending_updates", Help: "Buffered updates awaiting flush"})
	})
}

// SetFavorites records the current favorite count.
func SetFavorites(n int) {
	if FavoritesGauge != nil {
		FavoritesGauge.Set(float64(n))
	}
}

// SetLiveChannels records the current live channel count.
func SetLiveChannels(n int) {
	if LiveChannelsGauge != nil {
		LiveChannelsGauge.Set(float64(n))
	}
}

// SetBackoffEntries records the current backoff map size.
func SetBackoffEntries(n int) {
	if BackoffEntriesGauge != nil {
		BackoffEntriesGauge.Set(float64(n))
	}
}

// SetPendingUpdates records the combined size of the coalescing buffers.
func SetPendingUpdates(n int) {
	if PendingUpdatesGauge != nil {
		PendingUpdatesGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
