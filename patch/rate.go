package patch

import (
	"sync"
	"time"
)

// RateTracker turns progress events into per-file transfer rates.
type RateTracker struct {
	mu      sync.Mutex
	started map[string]time.Time
	now     func() time.Time
}

// NewRateTracker returns an empty tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{started: make(map[string]time.Time), now: time.Now}
}

// Observe records p and returns the file's average rate in bytes per second
// since its first event. An event with Written == 0 restarts the clock; a
// completed file, including a skipped or empty one, is forgotten after its
// final rate is computed.
func (t *RateTracker) Observe(p Progress) float64 {
	if p.File == nil {
		return 0
	}
	key := p.File.HexHash()
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.started[key]
	if p.Done() {
		delete(t.started, key)
	}
	if !ok || p.Written == 0 {
		if !p.Done() {
			t.started[key] = now
		}
		return 0
	}
	elapsed := now.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Written) / elapsed
}

// Active returns the number of files in flight.
func (t *RateTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
