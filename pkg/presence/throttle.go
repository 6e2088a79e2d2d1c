package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MaxBeaconInterval caps the flood-mitigation window.
const MaxBeaconInterval = 30 * time.Second

// Throttle lets at most one beacon publish through per window, where the
// window is min(AnnounceRefreshTime, MaxBeaconInterval).
type Throttle struct {
	clock  clock.Clock
	window time.Duration

	mu   sync.Mutex
	last time.Time
	sent bool
}

// NewThrottle builds the throttle for the given announce interval.
func NewThrottle(c clock.Clock, announceRefresh time.Duration) *Throttle {
	window := announceRefresh
	if window <= 0 || window > MaxBeaconInterval {
		window = MaxBeaconInterval
	}
	return &Throttle{clock: c, window: window}
}

// Window returns the minimum spacing between publishes.
func (t *Throttle) Window() time.Duration { return t.window }

// Allow reports whether a publish may happen now and, if so, records it.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if t.sent && now.Sub(t.last) < t.window {
		return false
	}
	t.last = now
	t.sent = true
	return true
}

// Reset forgets the last publish.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.sent = false
	t.mu.Unlock()
}
