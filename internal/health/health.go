// Package health aggregates component status for the external health
// endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pitwall-dev/relay/internal/cache"
	"github.com/pitwall-dev/relay/internal/hub"
	"github.com/pitwall-dev/relay/internal/upstream"
)

// upstreamStatus exposes the upstream client's lifecycle state.
type upstreamStatus interface {
	State() upstream.ConnState
}

// cacheStatus exposes the cache tier counters.
type cacheStatus interface {
	Stats() cache.Stats
	Failover() bool
}

// hubStatus exposes the subscriber hub counters.
type hubStatus interface {
	Stats() hub.Stats
}

// Reporter serves GET /health. Healthy means the upstream session is live
// (or still retrying) and the process is sane; cache failover degrades but
// does not fail the check since the relay keeps serving from memory.
type Reporter struct {
	log      zerolog.Logger
	upstream upstreamStatus
	cache    cacheStatus
	hub      hubStatus
	started  time.Time

	mu   sync.Mutex
	proc *process.Process
}

func New(up upstreamStatus, c cacheStatus, h hubStatus, log zerolog.Logger) *Reporter {
	r := &Reporter{
		log:      log.With().Str("component", "health").Logger(),
		upstream: up,
		cache:    c,
		hub:      h,
		started:  time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

func (rp *Reporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	healthy := true
	warnings := []string{}

	upState := upstream.StateDisconnected
	if rp.upstream != nil {
		upState = rp.upstream.State()
	}
	switch upState {
	case upstream.StateConnected:
	case upstream.StateDisconnected:
		healthy = false
	default:
		warnings = append(warnings, "upstream session not connected: "+string(upState))
	}

	checks := map[string]any{
		"upstream": map[string]any{
			"state":   string(upState),
			"healthy": upState != upstream.StateDisconnected,
		},
	}

	if rp.cache != nil {
		stats := rp.cache.Stats()
		if rp.cache.Failover() {
			warnings = append(warnings, "cache running memory-only (L2 unreachable)")
		}
		checks["cache"] = map[string]any{
			"failover": rp.cache.Failover(),
			"hitRate":  stats.HitRate,
			"errors":   stats.Errors,
			"healthy":  true,
		}
	}

	if rp.hub != nil {
		stats := rp.hub.Stats()
		checks["hub"] = map[string]any{
			"activeConnections": stats.ActiveConnections,
			"messagesSent":      stats.MessagesSent,
			"messagesDropped":   stats.MessagesDropped,
			"healthy":           true,
		}
	}

	checks["process"] = rp.processCheck()

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		rp.log.Warn().Str("upstream", string(upState)).Msg("health check failing")
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"healthy":  healthy,
		"checks":   checks,
		"warnings": warnings,
		"uptime":   time.Since(rp.started).Seconds(),
	})
}

func (rp *Reporter) processCheck() map[string]any {
	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		out["cpuPercent"] = pct[0]
	}
	rp.mu.Lock()
	proc := rp.proc
	rp.mu.Unlock()
	if proc != nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			out["memoryMB"] = float64(mi.RSS) / 1024 / 1024
		}
	}
	return out
}
