// Package hub manages subscriber push-socket connections: admission,
// per-feed subscriptions, throttled broadcast, rate limiting, heartbeats,
// and recovery replay after an upstream reconnect.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/pitwall-dev/relay/internal/cache"
	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/metrics"
	"github.com/pitwall-dev/relay/internal/ratelimit"
)

// SnapshotSource serves the current cached value for a live domain. The
// coordinator implements it on top of the cache tier.
type SnapshotSource interface {
	Current(ctx context.Context, d feed.Domain) (map[string]any, bool)
}

// SourceFunc adapts a function to SnapshotSource.
type SourceFunc func(ctx context.Context, d feed.Domain) (map[string]any, bool)

func (f SourceFunc) Current(ctx context.Context, d feed.Domain) (map[string]any, bool) {
	return f(ctx, d)
}

// Options configures the hub.
type Options struct {
	HeartbeatInterval time.Duration
	MaxConnsPerIP     int
	// MaxEventsPerWindow caps inbound messages per connection per RateWindow.
	MaxEventsPerWindow int
	RateWindow         time.Duration
	AllowedOrigins     []string
	// Production enables the Origin allow list and User-Agent check.
	Production bool
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ActiveConnections int64            `json:"activeConnections"`
	TotalConnections  int64            `json:"totalConnections"`
	MessagesSent      int64            `json:"messagesSent"`
	MessagesDropped   int64            `json:"messagesDropped"`
	RateLimited       int64            `json:"rateLimited"`
	FeedSubscribers   map[string]int   `json:"feedSubscribers"`
}

const minUserAgentLen = 10

// Hub is the subscriber registry and broadcast fan-out.
type Hub struct {
	opts    Options
	log     zerolog.Logger
	m       *metrics.Registry
	source  SnapshotSource
	limiter *ratelimit.Limiter
	tier    *cache.Tier

	mu     sync.Mutex
	conns  map[string]*conn
	feeds  map[feed.Kind]map[string]*conn
	perIP  map[string]int
	nextID int64

	throttleMu sync.Mutex
	throttles  map[feed.Kind]*throttleState

	shuttingDown atomic.Bool

	totalConns   atomic.Int64
	messagesSent atomic.Int64
	messagesDrop atomic.Int64
	rateLimited  atomic.Int64
}

// New builds a hub. Run starts its background loop.
func New(opts Options, source SnapshotSource, limiter *ratelimit.Limiter, tier *cache.Tier, log zerolog.Logger, m *metrics.Registry) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	if opts.MaxEventsPerWindow <= 0 {
		opts.MaxEventsPerWindow = 120
	}
	return &Hub{
		opts:      opts,
		log:       log.With().Str("component", "hub").Logger(),
		m:         m,
		source:    source,
		limiter:   limiter,
		tier:      tier,
		conns:     make(map[string]*conn),
		feeds:     make(map[feed.Kind]map[string]*conn),
		perIP:     make(map[string]int),
		throttles: make(map[feed.Kind]*throttleState),
	}
}

// ServeHTTP upgrades a subscriber connection after admission checks.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if reason := h.admit(ip, r); reason != "" {
		if h.m != nil {
			h.m.ConnectionsRejected.WithLabelValues(reason).Inc()
		}
		h.log.Warn().Str("ip", ip).Str("reason", reason).Msg("connection rejected")
		status := http.StatusForbidden
		if reason == "ip_cap" {
			status = http.StatusTooManyRequests
		}
		http.Error(w, "connection rejected: "+reason, status)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.releaseIP(ip)
		h.log.Warn().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	id := strconv.FormatInt(atomic.AddInt64(&h.nextID, 1), 10)
	c := newConn(id, ip, sock)
	h.register(c)

	h.storeSession(r.Context(), c)
	h.sendHello(r.Context(), c)

	go c.writePump(h.pingPeriod())
	go h.readPump(c)
}

// admit reserves an IP slot and applies the production profile checks. It
// returns a rejection reason or "".
func (h *Hub) admit(ip string, r *http.Request) string {
	if h.opts.Production {
		origin := r.Header.Get("Origin")
		if !h.originAllowed(origin) {
			return "origin"
		}
		if len(r.Header.Get("User-Agent")) < minUserAgentLen {
			return "user_agent"
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opts.MaxConnsPerIP > 0 && h.perIP[ip] >= h.opts.MaxConnsPerIP {
		return "ip_cap"
	}
	h.perIP[ip]++
	return ""
}

func (h *Hub) originAllowed(origin string) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Hub) releaseIP(ip string) {
	h.mu.Lock()
	if h.perIP[ip] > 1 {
		h.perIP[ip]--
	} else {
		delete(h.perIP, ip)
	}
	h.mu.Unlock()
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.totalConns.Add(1)
	if h.m != nil {
		h.m.ConnectionsTotal.Inc()
		h.m.ConnectionsActive.Inc()
	}
	h.log.Info().Str("conn", c.id).Str("ip", c.ip).Msg("subscriber connected")
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for k := range c.subs {
		h.dropFromFeed(k, c.id)
	}
	h.mu.Unlock()

	h.releaseIP(c.ip)
	if h.m != nil {
		h.m.ConnectionsActive.Dec()
	}
	if h.limiter != nil {
		h.limiter.Remove(c.id)
	}
	if h.tier != nil {
		h.tier.Delete(context.Background(), cache.TagClientSession, c.id)
	}
	h.log.Info().Str("conn", c.id).Msg("subscriber disconnected")
}

// dropFromFeed must run under h.mu.
func (h *Hub) dropFromFeed(k feed.Kind, id string) {
	set := h.feeds[k]
	delete(set, id)
	if len(set) == 0 {
		delete(h.feeds, k)
	}
}

func (h *Hub) pingPeriod() time.Duration {
	return h.opts.HeartbeatInterval * 9 / 10
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		c.close()
		h.unregister(c)
	}()

	idleLimit := 2 * h.opts.HeartbeatInterval
	for {
		c.sock.SetReadDeadline(time.Now().Add(idleLimit))
		data, op, err := wsutil.ReadClientData(c.sock)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText:
			h.handleMessage(c, data)
		case ws.OpClose:
			return
		}
	}
}

func (h *Hub) handleMessage(c *conn, data []byte) {
	if h.limiter != nil {
		count, reset := h.limiter.Increment(c.id, h.opts.RateWindow)
		if count > h.opts.MaxEventsPerWindow {
			h.rateLimited.Add(1)
			if h.m != nil {
				h.m.RateLimited.Inc()
			}
			if h.tier != nil && count == h.opts.MaxEventsPerWindow+1 {
				// First strike in this window; the record outlives the
				// connection so repeat offenders are visible across reconnects.
				rec, _ := json.Marshal(map[string]any{
					"ip":        c.ip,
					"count":     count,
					"windowEnd": reset.UTC().Format(time.RFC3339),
				})
				h.tier.Set(context.Background(), cache.TagRateLimit, c.ip, rec, cache.Memory())
			}
			h.reply(c, Envelope{Type: "rate_limit_exceeded", Data: map[string]any{
				"message":   "Too many requests, slow down",
				"resetTime": reset.UTC().Format(time.RFC3339),
			}})
			return
		}
	}

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Debug().Str("conn", c.id).Err(err).Msg("unparseable client frame")
		return
	}

	switch {
	case msg.Type == "subscribe":
		h.subscribe(c, msg.Data.Feed)
	case msg.Type == "unsubscribe":
		h.unsubscribe(c, msg.Data.Feed)
	case msg.Type == "ping":
		c.touchPing()
		h.reply(c, Envelope{Type: "pong", Data: map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}})
	case strings.HasPrefix(msg.Type, "request:"):
		h.handleRequest(c, strings.TrimPrefix(msg.Type, "request:"))
	default:
		h.log.Debug().Str("conn", c.id).Str("type", msg.Type).Msg("unknown client message")
	}
}

func (h *Hub) subscribe(c *conn, name string) {
	kind, ok := feed.Parse(name)
	if !ok {
		h.reply(c, Envelope{Type: "subscription:error", Data: map[string]any{
			"feedName": name,
			"error":    "Invalid feed name",
		}})
		return
	}

	h.mu.Lock()
	c.subs[kind] = struct{}{}
	set := h.feeds[kind]
	if set == nil {
		set = make(map[string]*conn)
		h.feeds[kind] = set
	}
	set[c.id] = c
	h.mu.Unlock()

	h.reply(c, Envelope{Type: "subscription:confirmed", Data: map[string]any{
		"feedName":     name,
		"subscribedAt": time.Now().UTC().Format(time.RFC3339),
	}})
	h.storeSession(context.Background(), c)

	// New subscribers see the cached snapshot before any live broadcast.
	if d, ok := feed.DomainOf(kind); ok && h.source != nil {
		if data, ok := h.source.Current(context.Background(), d); ok {
			h.reply(c, currentEnvelope(d, data))
		}
	}
}

func (h *Hub) unsubscribe(c *conn, name string) {
	kind, ok := feed.Parse(name)
	if !ok {
		h.reply(c, Envelope{Type: "subscription:error", Data: map[string]any{
			"feedName": name,
			"error":    "Invalid feed name",
		}})
		return
	}

	h.mu.Lock()
	delete(c.subs, kind)
	h.dropFromFeed(kind, c.id)
	h.mu.Unlock()

	h.reply(c, Envelope{Type: "unsubscription:confirmed", Data: map[string]any{
		"feedName": name,
	}})
	h.storeSession(context.Background(), c)
}

func (h *Hub) handleRequest(c *conn, name string) {
	d, ok := feed.ParseDomain(name)
	if !ok {
		h.reply(c, Envelope{Type: "subscription:error", Data: map[string]any{
			"feedName": name,
			"error":    "Invalid feed name",
		}})
		return
	}
	if h.source != nil {
		if data, ok := h.source.Current(context.Background(), d); ok {
			h.reply(c, currentEnvelope(d, data))
			return
		}
	}
	h.reply(c, Envelope{Type: string(d) + ":current", Data: map[string]any{
		"message": fmt.Sprintf("No %s data available", d),
		"cached":  false,
	}})
}

func currentEnvelope(d feed.Domain, data map[string]any) Envelope {
	return Envelope{Type: string(d) + ":current", Data: cachedBody(data)}
}

func recoveryEnvelope(d feed.Domain, data map[string]any) Envelope {
	return Envelope{Type: updateType(d), Data: cachedBody(data)}
}

func cachedBody(data map[string]any) map[string]any {
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body["cached"] = true
	return body
}

// updateType maps a domain to its live update event kind.
func updateType(d feed.Domain) string {
	switch d {
	case feed.DomainSession:
		return "session:update"
	case feed.DomainDrivers:
		return "drivers:update"
	case feed.DomainTiming:
		return "timing:update"
	case feed.DomainWeather:
		return "weather:update"
	case feed.DomainTrack:
		return "track:status"
	case feed.DomainPosition:
		return "position:update"
	default:
		return string(d) + ":update"
	}
}

// sendHello emits connection:established with the cached-data presence map.
func (h *Hub) sendHello(ctx context.Context, c *conn) {
	cached := make(map[string]bool, 5)
	for _, d := range []feed.Domain{feed.DomainSession, feed.DomainTiming,
		feed.DomainDrivers, feed.DomainWeather, feed.DomainTrack} {
		ok := false
		if h.source != nil {
			_, ok = h.source.Current(ctx, d)
		}
		cached[string(d)] = ok
	}
	h.reply(c, Envelope{Type: "connection:established", Data: map[string]any{
		"clientId":       c.id,
		"serverTime":     time.Now().UTC().Format(time.RFC3339),
		"availableFeeds": feed.Names(),
		"cachedData":     cached,
	}})
}

func (h *Hub) storeSession(ctx context.Context, c *conn) {
	if h.tier == nil {
		return
	}
	h.mu.Lock()
	subs := make([]string, 0, len(c.subs))
	for k := range c.subs {
		subs = append(subs, string(k))
	}
	h.mu.Unlock()

	rec, err := json.Marshal(sessionRecord{
		ConnectionID: c.id,
		RemoteAddr:   c.ip,
		Feeds:        subs,
		ConnectedAt:  c.connectedAt,
	})
	if err != nil {
		return
	}
	h.tier.Set(ctx, cache.TagClientSession, c.id, rec, cache.Memory())
}

// reply sends one frame to a single connection.
func (h *Hub) reply(c *conn, env Envelope) {
	if c.enqueue(env.encode()) {
		h.messagesSent.Add(1)
		if h.m != nil {
			h.m.MessagesSent.Inc()
		}
	} else {
		h.noteDrop(c)
	}
}

func (h *Hub) noteDrop(c *conn) {
	h.messagesDrop.Add(1)
	if h.m != nil {
		h.m.MessagesDropped.Inc()
	}
	if c.tooSlow() {
		h.log.Warn().Str("conn", c.id).Msg("closing slow subscriber")
		c.close()
	}
}

// subscribers snapshots the per-feed set under the registry lock.
func (h *Hub) subscribers(k feed.Kind) []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.feeds[k]
	out := make([]*conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) allConns() []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// BroadcastToFeed fans a feed:<name> event out to the feed's subscribers.
func (h *Hub) BroadcastToFeed(k feed.Kind, payload any, timestamp string) {
	h.fanOut(k, Envelope{
		Type: "feed:" + string(k),
		Data: feedEvent{Payload: payload, Timestamp: timestamp, FeedName: string(k)},
	})
}

// BroadcastEvent fans an arbitrary typed event out to the subscribers of a
// feed. Used for the per-domain update kinds.
func (h *Hub) BroadcastEvent(k feed.Kind, typ string, data any) {
	h.fanOut(k, Envelope{Type: typ, Data: data})
}

func (h *Hub) fanOut(k feed.Kind, env Envelope) {
	data := env.encode()
	if data == nil {
		return
	}
	for _, c := range h.subscribers(k) {
		if c.enqueue(data) {
			h.messagesSent.Add(1)
			if h.m != nil {
				h.m.MessagesSent.Inc()
			}
		} else {
			h.noteDrop(c)
		}
	}
	if h.m != nil {
		h.m.EventsBroadcast.WithLabelValues(string(k)).Inc()
	}
}

// BroadcastAll sends one event to every connection regardless of
// subscriptions.
func (h *Hub) BroadcastAll(env Envelope) {
	data := env.encode()
	if data == nil {
		return
	}
	for _, c := range h.allConns() {
		if c.enqueue(data) {
			h.messagesSent.Add(1)
		} else {
			h.noteDrop(c)
		}
	}
}

// SetUpstreamStatus informs subscribers about the upstream session.
func (h *Hub) SetUpstreamStatus(connected bool, errMsg string) {
	data := map[string]any{"connected": connected}
	if errMsg != "" {
		data["error"] = errMsg
	}
	h.BroadcastAll(Envelope{Type: "connection:status", Data: data})
}

// Recover replays per-domain snapshots to every connection after an upstream
// reconnect, then summarizes with data:restored. Replayed state goes out
// under the domain's live update kind, marked cached, so clients apply it
// through the same path as live updates.
func (h *Hub) Recover(ctx context.Context, snapshots map[feed.Domain]map[string]any) {
	restored := make([]string, 0, len(snapshots))
	for _, d := range feed.Domains() {
		data, ok := snapshots[d]
		if !ok {
			continue
		}
		h.BroadcastAll(recoveryEnvelope(d, data))
		restored = append(restored, string(d))
	}
	h.BroadcastAll(Envelope{Type: "data:restored", Data: map[string]any{
		"restoredTypes": restored,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}})
	h.log.Info().Strs("restored", restored).Msg("replayed recovery snapshots")
}

// Run drives heartbeats, idle eviction, and limiter cleanup until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.heartbeat()
			h.evictIdle()
			if h.limiter != nil {
				h.limiter.Sweep()
			}
		}
	}
}

func (h *Hub) heartbeat() {
	h.mu.Lock()
	count := len(h.conns)
	h.mu.Unlock()
	h.BroadcastAll(Envelope{Type: "heartbeat", Data: map[string]any{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"connectedClients": count,
	}})
}

// evictIdle closes connections without a ping for twice the heartbeat
// interval.
func (h *Hub) evictIdle() {
	cutoff := time.Now().Add(-2 * h.opts.HeartbeatInterval)
	for _, c := range h.allConns() {
		if c.idleSince().Before(cutoff) && c.connectedAt.Before(cutoff) {
			h.log.Info().Str("conn", c.id).Msg("evicting idle subscriber")
			c.close()
		}
	}
}

// Shutdown stops accepting connections and closes the existing ones.
func (h *Hub) Shutdown() {
	h.shuttingDown.Store(true)
	for _, c := range h.allConns() {
		c.close()
	}
}

// Stats snapshots the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	perFeed := make(map[string]int, len(h.feeds))
	for k, set := range h.feeds {
		perFeed[string(k)] = len(set)
	}
	active := int64(len(h.conns))
	h.mu.Unlock()

	return Stats{
		ActiveConnections: active,
		TotalConnections:  h.totalConns.Load(),
		MessagesSent:      h.messagesSent.Load(),
		MessagesDropped:   h.messagesDrop.Load(),
		RateLimited:       h.rateLimited.Load(),
		FeedSubscribers:   perFeed,
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
