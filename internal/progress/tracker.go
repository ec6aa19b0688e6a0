// Package progress aggregates raw transfer callbacks into throttled,
// consumable progress snapshots. Everything here is ephemeral; nothing
// survives a restart and nothing is persisted.
package progress

import (
	"sync"
	"time"

	"go-archive-download/internal/models"
)

// DefaultInterval is the minimum gap between published snapshots for a
// single task. Terminal updates (done == total) always flush.
const DefaultInterval = 250 * time.Millisecond

// smoothing factor for the exponential moving average of the transfer
// speed; higher reacts faster, lower is steadier.
const emaAlpha = 0.3

type taskState struct {
	done          int64
	total         int64
	speed         float64 // EMA, bytes/sec
	lastUpdate    time.Time
	lastPublished time.Time
	lastBytes     int64
}

// Tracker keeps live per-task progress and publishes snapshots to
// subscribers.
type Tracker struct {
	mu       sync.RWMutex
	interval time.Duration
	tasks    map[string]*taskState
	subs     map[int]chan map[string]models.DownloadProgress
	nextSub  int
	now      func() time.Time // overridable in tests
}

// NewTracker creates a Tracker with the given publish throttle interval;
// interval <= 0 uses DefaultInterval.
func NewTracker(interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		interval: interval,
		tasks:    make(map[string]*taskState),
		subs:     make(map[int]chan map[string]models.DownloadProgress),
		now:      time.Now,
	}
}

// Update records a raw transfer callback for a task and publishes a
// throttled snapshot to subscribers. total <= 0 means the size is still
// unknown.
func (t *Tracker) Update(id string, done, total int64) {
	t.mu.Lock()

	now := t.now()
	st, ok := t.tasks[id]
	if !ok {
		st = &taskState{lastUpdate: now, lastBytes: done}
		t.tasks[id] = st
	}

	elapsed := now.Sub(st.lastUpdate).Seconds()
	if elapsed > 0 {
		inst := float64(done-st.lastBytes) / elapsed
		if inst >= 0 {
			if st.speed == 0 {
				st.speed = inst
			} else {
				st.speed = emaAlpha*inst + (1-emaAlpha)*st.speed
			}
		}
	}
	st.done = done
	st.total = total
	st.lastUpdate = now
	st.lastBytes = done

	finished := total > 0 && done >= total
	shouldPublish := finished || now.Sub(st.lastPublished) >= t.interval
	if shouldPublish {
		st.lastPublished = now
	}

	var snapshot map[string]models.DownloadProgress
	if shouldPublish {
		snapshot = t.snapshotLocked()
	}
	t.mu.Unlock()

	if snapshot != nil {
		t.publish(snapshot)
	}
}

// Remove clears the live state for a task once it leaves the
// downloading/paused states, and tells subscribers.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.tasks, id)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.publish(snapshot)
}

// Snapshot returns the current progress of all tracked tasks.
func (t *Tracker) Snapshot() map[string]models.DownloadProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Get returns the progress of one task, if tracked.
func (t *Tracker) Get(id string) (models.DownloadProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.tasks[id]
	if !ok {
		return models.DownloadProgress{}, false
	}
	return st.progress(), true
}

// Subscribe returns a channel receiving full snapshots keyed by task id,
// and a function to unsubscribe. Snapshots are coalesced: if a
// subscriber lags, it misses intermediate snapshots rather than
// blocking the publisher.
func (t *Tracker) Subscribe() (<-chan map[string]models.DownloadProgress, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan map[string]models.DownloadProgress, 1)
	t.subs[id] = ch

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if existing, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

func (t *Tracker) snapshotLocked() map[string]models.DownloadProgress {
	snapshot := make(map[string]models.DownloadProgress, len(t.tasks))
	for id, st := range t.tasks {
		snapshot[id] = st.progress()
	}
	return snapshot
}

func (t *Tracker) publish(snapshot map[string]models.DownloadProgress) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		// Coalesce: replace a pending snapshot instead of blocking.
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (st *taskState) progress() models.DownloadProgress {
	p := models.DownloadProgress{Done: st.done, Total: st.total}
	if st.total > 0 {
		frac := float64(st.done) / float64(st.total)
		if frac > 1 {
			frac = 1
		}
		p.Progress = &frac
	}
	if st.speed > 0 {
		speed := st.speed
		p.TransferSpeed = &speed
		if st.total > 0 && st.done < st.total {
			eta := int64(float64(st.total-st.done) / speed)
			p.EtaSeconds = &eta
		}
	}
	return p
}
