package middleware

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter enforces the per-client authentication rate limit with a
// sliding one-minute window. It runs before any vault traffic, so a client
// hammering bad credentials cannot turn into vault load.
type RateLimiter struct {
	perMinute int
	burst     int
	clock     clockwork.Clock

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int
	allowance int
	start     time.Time
}

// NewRateLimiter builds a limiter allowing perMinute sustained calls.
// Allowance a client leaves unused in one window carries over into the next
// as burst headroom, capped at burst, so an occasionally quiet client may
// briefly exceed the per-minute average without exceeding it sustained.
func NewRateLimiter(perMinute, burst int, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if burst < perMinute {
		burst = perMinute * 2
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		clock:     clock,
		windows:   make(map[string]*window),
	}
}

// Allow reports whether one more call from clientID fits the limit. Expired
// windows are replaced inline; a sweep prunes idle clients.
func (rl *RateLimiter) Allow(clientID string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[clientID]
	if !ok || now.Sub(w.start) > time.Minute {
		allowance := rl.perMinute
		if ok && w.allowance > w.count {
			allowance += w.allowance - w.count
			if allowance > rl.burst {
				allowance = rl.burst
			}
		}
		rl.windows[clientID] = &window{count: 1, allowance: allowance, start: now}
		return true
	}
	w.count++
	return w.count <= w.allowance
}

// Sweep drops windows idle for more than two minutes. The owner calls it on
// a ticker; the limiter spawns no goroutines of its own.
func (rl *RateLimiter) Sweep() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, w := range rl.windows {
		if now.Sub(w.start) > 2*time.Minute {
			delete(rl.windows, id)
		}
	}
}

// ActiveWindows reports how many clients currently hold a window.
func (rl *RateLimiter) ActiveWindows() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
