package hub

import (
	"sync"
	"time"

	"github.com/pitwall-dev/relay/internal/feed"
)

// throttleState paces one feed's broadcasts. When a payload arrives inside
// the minimum interval it replaces any pending payload and a trailing timer
// delivers the latest one when the interval elapses. Intermediate payloads
// are dropped but the most recent always goes out.
type throttleState struct {
	mu       sync.Mutex
	lastSent time.Time
	pending  *pendingBroadcast
	timer    *time.Timer
}

type pendingBroadcast struct {
	aliasType string
	payload   any
	timestamp string
}

// ThrottledBroadcast delivers at most one feed:<name> event per minInterval,
// with an optional aliased domain event (e.g. position:update) sent on the
// same cadence. A zero interval degrades to immediate delivery.
func (h *Hub) ThrottledBroadcast(k feed.Kind, aliasType string, payload any, timestamp string, minInterval time.Duration) {
	if minInterval <= 0 {
		h.deliver(k, aliasType, payload, timestamp)
		return
	}

	h.throttleMu.Lock()
	st := h.throttles[k]
	if st == nil {
		st = &throttleState{}
		h.throttles[k] = st
	}
	h.throttleMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if st.timer == nil && now.Sub(st.lastSent) >= minInterval {
		st.lastSent = now
		h.deliver(k, aliasType, payload, timestamp)
		return
	}

	if st.pending != nil && h.m != nil {
		h.m.EventsThrottled.WithLabelValues(string(k)).Inc()
	}
	st.pending = &pendingBroadcast{aliasType: aliasType, payload: payload, timestamp: timestamp}
	if st.timer == nil {
		wait := minInterval - now.Sub(st.lastSent)
		if wait < 0 {
			wait = 0
		}
		st.timer = time.AfterFunc(wait, func() { h.flushThrottle(k, st) })
	}
}

func (h *Hub) flushThrottle(k feed.Kind, st *throttleState) {
	st.mu.Lock()
	p := st.pending
	st.pending = nil
	st.timer = nil
	if p != nil {
		st.lastSent = time.Now()
	}
	st.mu.Unlock()

	if p != nil {
		h.deliver(k, p.aliasType, p.payload, p.timestamp)
	}
}

func (h *Hub) deliver(k feed.Kind, aliasType string, payload any, timestamp string) {
	h.BroadcastToFeed(k, payload, timestamp)
	if aliasType != "" {
		h.BroadcastEvent(k, aliasType, payload)
	}
}
