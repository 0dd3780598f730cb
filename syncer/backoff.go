package syncer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/mirrorwell/streamnest/telemetry"
)

const backoffJitterFrac = 0.3

type backoffEntry struct {
	failures int
	nextTry  time.Time
}

// BackoffTracker keeps per-channel retry state for failed recording
// refreshes. Delays double per consecutive failure from base up to max, with
// up to 30% random jitter added so retries for many channels spread out. A
// success clears the entry entirely.
type BackoffTracker struct {
	mu         sync.Mutex
	entries    map[string]*backoffEntry
	base       time.Duration
	max        time.Duration
	staleAfter time.Duration

	// overridable for tests
	now    func() time.Time
	jitter func() float64
}

func NewBackoffTracker(base, max, staleAfter time.Duration) *BackoffTracker {
	return &BackoffTracker{
		entries:    make(map[string]*backoffEntry),
		base:       base,
		max:        max,
		staleAfter: staleAfter,
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

// Eligible reports whether the channel may be refreshed now. Channels with no
// failure history are always eligible.
func (b *BackoffTracker) Eligible(channelID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[channelID]
	if !ok {
		return true
	}
	return !b.now().Before(e.nextTry)
}

// RecordFailure doubles the channel's delay (capped at max) and schedules the
// next attempt that far in the future, plus jitter.
func (b *BackoffTracker) RecordFailure(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	e, ok := b.entries[channelID]
	if !ok {
		e = &backoffEntry{}
		b.entries[channelID] = e
	}
	e.failures++
	delay := b.base
	for i := 1; i < e.failures; i++ {
		delay *= 2
		if delay >= b.max {
			delay = b.max
			break
		}
	}
	if delay > b.max {
		delay = b.max
	}
	jittered := time.Duration(float64(delay) * (1 + backoffJitterFrac*b.jitter()))
	e.nextTry = now.Add(jittered)
	telemetry.SetBackoffEntries(len(b.entries))
}

// RecordSuccess drops the channel's failure history so the next refresh runs
// at the normal cadence.
func (b *BackoffTracker) RecordSuccess(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, channelID)
	telemetry.SetBackoffEntries(len(b.entries))
}

// Sweep drops entries for channels no longer in the favorite set and entries
// whose scheduled retry is more than staleAfter in the past, so unfollowed or
// long-quiet channels do not pin memory. A nil favorites set skips the
// membership check.
func (b *BackoffTracker) Sweep(favorites map[string]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.staleAfter)
	for id, e := range b.entries {
		if favorites != nil {
			if _, ok := favorites[id]; !ok {
				delete(b.entries, id)
				continue
			}
		}
		if e.nextTry.Before(cutoff) {
			delete(b.entries, id)
		}
	}
	telemetry.SetBackoffEntries(len(b.entries))
}

// Len returns the number of channels currently tracked.
func (b *BackoffTracker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
