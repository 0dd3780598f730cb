package syncer

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrorwell/streamnest/store"
	"github.com/mirrorwell/streamnest/telemetry"
)

// Coalescer buffers live-state and latest-recording updates arriving from
// concurrent callers and applies them to the store from a single worker
// goroutine. Schedulers never write to Postgres themselves; they merge into
// the pending buffers and poke the worker through a capacity-1 kick channel.
// While one flush is in flight further schedules accumulate and get picked up
// by the next flush, so N concurrent triggers collapse into one write batch.
// Duplicate applies are harmless no-ops; dropped updates are not allowed.
type Coalescer struct {
	dbx        *sql.DB
	retryDelay time.Duration

	// OnWentOffline, when set, is called after a live flush that had a
	// cascade requested, with the ids that transitioned live -> offline.
	OnWentOffline func(ids []string)

	mu          sync.Mutex
	liveIDs     map[string]struct{}
	livePending bool
	liveSource  string
	liveCascade bool
	recs        map[string]store.RecordingPointer
	kick        chan struct{}
	done        chan struct{}
	started     bool

	now func() time.Time
}

func NewCoalescer(dbx *sql.DB, retryDelay time.Duration) *Coalescer {
	return &Coalescer{
		dbx:        dbx,
		retryDelay: retryDelay,
		liveIDs:    make(map[string]struct{}),
		recs:       make(map[string]store.RecordingPointer),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// ScheduleLiveStateUpdate unions liveIDs into the pending live set and
// remembers whether any caller asked for a cascade into recording refresh.
// An empty id list is still a meaningful update: it marks every currently
// live channel offline on the next flush. source names the trigger ("cycle",
// "api", ...) and is used for logging only.
func (c *Coalescer) ScheduleLiveStateUpdate(liveIDs []string, source string, cascade bool) {
	c.mu.Lock()
	for _, id := range liveIDs {
		c.liveIDs[id] = struct{}{}
	}
	c.livePending = true
	c.liveSource = source
	c.liveCascade = c.liveCascade || cascade
	c.updatePendingGauge()
	c.mu.Unlock()
	c.wake()
}

// ScheduleLatestRecordingUpdate buffers a latest-recording pointer for one
// channel. When an update for the channel is already buffered the one with
// the newer createdAt wins; on a tie the buffered one stays.
func (c *Coalescer) ScheduleLatestRecordingUpdate(channelID, recordingID string, createdAt time.Time) {
	c.mu.Lock()
	if cur, ok := c.recs[channelID]; !ok || createdAt.After(cur.CreatedAt) {
		c.recs[channelID] = store.RecordingPointer{RecordingID: recordingID, CreatedAt: createdAt}
	}
	c.updatePendingGauge()
	c.mu.Unlock()
	c.wake()
}

func (c *Coalescer) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Pending reports the buffered live-ID count (with whether a live flush is
// owed at all) and the buffered recording-pointer count.
func (c *Coalescer) Pending() (liveIDs int, livePending bool, recordings int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.liveIDs), c.livePending, len(c.recs)
}

// updatePendingGauge must be called with c.mu held.
func (c *Coalescer) updatePendingGauge() {
	n := len(c.recs)
	if c.livePending {
		n += len(c.liveIDs) + 1
	}
	telemetry.SetPendingUpdates(n)
}

// Start launches the flush worker. It runs until ctx is cancelled; pending
// buffers at shutdown are discarded, the next upstream poll rebuilds them.
func (c *Coalescer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run(ctx)
}

// Done is closed when the worker has exited.
func (c *Coalescer) Done() <-chan struct{} { return c.done }

func (c *Coalescer) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		}
		c.drain(ctx)
	}
}

// drain flushes until the buffers are empty, requeueing and retrying failed
// batches after retryDelay. Updates scheduled mid-flush land in the next
// take, never dropped.
func (c *Coalescer) drain(ctx context.Context) {
	for {
		batch, ok := c.take()
		if !ok {
			return
		}
		if err := c.apply(ctx, batch); err != nil {
			slog.Error("flush failed, requeueing batch", slog.Any("err", err))
			telemetry.FlushRetries.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
		}
	}
}

type flushBatch struct {
	liveIDs     []string
	livePending bool
	liveSource  string
	liveCascade bool
	recs        map[string]store.RecordingPointer
}

// take swaps the pending buffers out under the lock.
func (c *Coalescer) take() (flushBatch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.livePending && len(c.recs) == 0 {
		return flushBatch{}, false
	}
	b := flushBatch{
		livePending: c.livePending,
		liveSource:  c.liveSource,
		liveCascade: c.liveCascade,
		recs:        c.recs,
	}
	for id := range c.liveIDs {
		b.liveIDs = append(b.liveIDs, id)
	}
	c.liveIDs = make(map[string]struct{})
	c.livePending = false
	c.liveSource = ""
	c.liveCascade = false
	c.recs = make(map[string]store.RecordingPointer)
	c.updatePendingGauge()
	return b, true
}

// apply writes one taken batch. A failed part is merged back into the pending
// buffers under the same rules as fresh schedules (union for the live set,
// recency for recordings), so updates that arrived during the failed attempt
// are preserved.
func (c *Coalescer) apply(ctx context.Context, b flushBatch) error {
	if b.livePending {
		wentOffline, err := store.ReconcileLiveState(ctx, c.dbx, b.liveIDs, c.now())
		if err != nil {
			c.requeueLive(b)
			c.requeueRecs(b.recs)
			return &StoreError{Op: "reconcile live state", Err: err}
		}
		telemetry.LiveFlushes.Inc()
		slog.Debug("live state flushed",
			slog.String("source", b.liveSource),
			slog.Int("live", len(b.liveIDs)),
			slog.Int("went_offline", len(wentOffline)))
		if b.liveCascade && len(wentOffline) > 0 && c.OnWentOffline != nil {
			c.OnWentOffline(wentOffline)
		}
	}
	if len(b.recs) > 0 {
		if err := store.UpdateLatestRecordings(ctx, c.dbx, b.recs); err != nil {
			c.requeueRecs(b.recs)
			return &StoreError{Op: "update latest recordings", Err: err}
		}
		telemetry.RecordingFlushes.Inc()
	}
	return nil
}

func (c *Coalescer) requeueLive(b flushBatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range b.liveIDs {
		c.liveIDs[id] = struct{}{}
	}
	c.livePending = true
	if c.liveSource == "" {
		c.liveSource = b.liveSource
	}
	c.liveCascade = c.liveCascade || b.liveCascade
	c.updatePendingGauge()
}

func (c *Coalescer) requeueRecs(recs map[string]store.RecordingPointer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range recs {
		if cur, ok := c.recs[id]; !ok || p.CreatedAt.After(cur.CreatedAt) {
			c.recs[id] = p
		}
	}
	c.updatePendingGauge()
}
