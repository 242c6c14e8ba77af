// Package ratelimit implements the per-user hourly reply budget.
//
// Each user has a fixed window that starts on first use and resets on the
// first call made an hour or more after it started. All operations on one
// user are serialised by that user's mutex; different users never contend
// beyond the short map lookup.
package ratelimit

import (
	"sync"
	"time"

	"socialpilot/internal/clock"
)

// Window is the length of one counting window.
const Window = time.Hour

type bucket struct {
	mu    sync.Mutex
	max   int
	count int
	start time.Time
}

// expired reports whether the window must reset before evaluating at now.
// Caller holds b.mu.
func (b *bucket) expired(now time.Time) bool {
	return b.start.IsZero() || now.Sub(b.start) >= Window
}

// Snapshot is a point-in-time view of one user's window.
type Snapshot struct {
	Max         int       `json:"max"`
	Used        int       `json:"used"`
	WindowStart time.Time `json:"window_start,omitempty"`
}

type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real{}
	}
	return &Limiter{clock: c, buckets: make(map[string]*bucket)}
}

func (l *Limiter) get(userID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{}
		l.buckets[userID] = b
	}
	return b
}

func (l *Limiter) lookup(userID string) (*bucket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	return b, ok
}

// SetLimit sets the per-hour maximum for userID. A lower limit applies to the
// current window immediately; already consumed slots are kept.
func (l *Limiter) SetLimit(userID string, max int) {
	if max < 0 {
		max = 0
	}
	b := l.get(userID)
	b.mu.Lock()
	b.max = max
	b.mu.Unlock()
}

// TryConsume takes one slot from userID's window. It returns false when the
// window is exhausted or the user has no limit configured.
func (l *Limiter) TryConsume(userID string) bool {
	b := l.get(userID)
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expired(now) {
		b.count = 0
		b.start = now
	}
	if b.count < b.max {
		b.count++
		return true
	}
	return false
}

// Refund returns a slot consumed at consumedAt, provided the window it was
// taken from is still current. Slots from an expired window are not refunded.
func (l *Limiter) Refund(userID string, consumedAt time.Time) {
	b, ok := l.lookup(userID)
	if !ok {
		return
	}
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expired(now) || consumedAt.Before(b.start) {
		return
	}
	if b.count > 0 {
		b.count--
	}
}

// Remaining reports how many slots userID could consume right now.
func (l *Limiter) Remaining(userID string) int {
	b, ok := l.lookup(userID)
	if !ok {
		return 0
	}
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expired(now) {
		return b.max
	}
	if r := b.max - b.count; r > 0 {
		return r
	}
	return 0
}

// Restore seeds userID's window, typically from persisted activity on start.
// A window that has already expired is ignored.
func (l *Limiter) Restore(userID string, used int, windowStart time.Time) {
	if used <= 0 || windowStart.IsZero() {
		return
	}
	if l.clock.Now().Sub(windowStart) >= Window {
		return
	}
	b := l.get(userID)
	b.mu.Lock()
	b.count = used
	b.start = windowStart
	b.mu.Unlock()
}

func (l *Limiter) Snapshot(userID string) Snapshot {
	b, ok := l.lookup(userID)
	if !ok {
		return Snapshot{}
	}
	now := l.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expired(now) {
		return Snapshot{Max: b.max}
	}
	return Snapshot{Max: b.max, Used: b.count, WindowStart: b.start}
}
