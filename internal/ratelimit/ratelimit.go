// Package ratelimit implements the fixed-window counter used for
// per-connection message limits.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	count int
	end   time.Time
}

// Limiter tracks one fixed window per id. The window opens on the first
// increment and every increment after the window end resets the count to 1
// and opens a fresh window. Exposing the count and reset time lets callers
// build protocol-level error replies, which token buckets cannot.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Increment counts one event against id and returns the count within the
// current window along with the window's end time.
func (l *Limiter) Increment(id string, d time.Duration) (int, time.Time) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[id]
	if !ok || !now.Before(w.end) {
		w = &window{count: 1, end: now.Add(d)}
		l.windows[id] = w
		return w.count, w.end
	}
	w.count++
	return w.count, w.end
}

// Remove drops all state for id, typically on disconnect.
func (l *Limiter) Remove(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

// Len reports the number of tracked ids.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep discards windows that ended before now. The hub runs this on its
// heartbeat tick so abandoned ids do not accumulate.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	for id, w := range l.windows {
		if !now.Before(w.end) {
			delete(l.windows, id)
		}
	}
	l.mu.Unlock()
}
