package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/ratelimit"
)

type fakeSource struct {
	data map[feed.Domain]map[string]any
}

func (f *fakeSource) Current(_ context.Context, d feed.Domain) (map[string]any, bool) {
	v, ok := f.data[d]
	return v, ok
}

func newTestHub(source SnapshotSource) *Hub {
	return New(Options{
		HeartbeatInterval:  30 * time.Second,
		MaxConnsPerIP:      2,
		MaxEventsPerWindow: 5,
		RateWindow:         time.Minute,
	}, source, ratelimit.New(), nil, zerolog.Nop(), nil)
}

// testConn registers a connection backed by a pipe so enqueue works without
// a WebSocket handshake.
func testConn(t *testing.T, h *Hub, id string) *conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := newConn(id, "10.0.0.1", server)
	h.register(c)
	return c
}

func recvEnvelope(t *testing.T, c *conn) Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame enqueued")
		return Envelope{}
	}
}

func dataMap(t *testing.T, env Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "envelope data is %T", env.Data)
	return m
}

func TestSubscribeConfirmAndSnapshot(t *testing.T) {
	src := &fakeSource{data: map[feed.Domain]map[string]any{
		feed.DomainTiming: {"lines": map[string]any{}},
	}}
	h := newTestHub(src)
	c := testConn(t, h, "1")

	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"TimingData"}}`))

	env := recvEnvelope(t, c)
	assert.Equal(t, "subscription:confirmed", env.Type)
	assert.Equal(t, "TimingData", dataMap(t, env)["feedName"])

	env = recvEnvelope(t, c)
	assert.Equal(t, "timing:current", env.Type)
	assert.Equal(t, true, dataMap(t, env)["cached"])

	assert.Len(t, h.subscribers(feed.TimingData), 1)
}

func TestSubscribeInvalidFeed(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")

	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"Bogus"}}`))

	env := recvEnvelope(t, c)
	assert.Equal(t, "subscription:error", env.Type)
	assert.Equal(t, "Invalid feed name", dataMap(t, env)["error"])
	assert.Empty(t, h.subscribers(feed.Kind("Bogus")))
}

func TestUnsubscribeRestoresRegistry(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")

	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"Weather"}}`))
	recvEnvelope(t, c)
	require.Len(t, h.subscribers(feed.Weather), 1)

	h.handleMessage(c, []byte(`{"type":"unsubscribe","data":{"feed":"Weather"}}`))
	env := recvEnvelope(t, c)
	assert.Equal(t, "unsubscription:confirmed", env.Type)
	assert.Empty(t, h.subscribers(feed.Weather))
}

func TestPingUpdatesLastPing(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")
	before := c.idleSince()

	time.Sleep(5 * time.Millisecond)
	h.handleMessage(c, []byte(`{"type":"ping"}`))

	env := recvEnvelope(t, c)
	assert.Equal(t, "pong", env.Type)
	assert.NotEmpty(t, dataMap(t, env)["timestamp"])
	assert.True(t, c.idleSince().After(before))
}

func TestRequestDomain(t *testing.T) {
	src := &fakeSource{data: map[feed.Domain]map[string]any{
		feed.DomainWeather: {"airTemp": "28.5"},
	}}
	h := newTestHub(src)
	c := testConn(t, h, "1")

	h.handleMessage(c, []byte(`{"type":"request:weather"}`))
	env := recvEnvelope(t, c)
	assert.Equal(t, "weather:current", env.Type)
	m := dataMap(t, env)
	assert.Equal(t, "28.5", m["airTemp"])
	assert.Equal(t, true, m["cached"])

	h.handleMessage(c, []byte(`{"type":"request:track"}`))
	env = recvEnvelope(t, c)
	assert.Equal(t, "track:current", env.Type)
	m = dataMap(t, env)
	assert.Equal(t, false, m["cached"])
	assert.Equal(t, "No track data available", m["message"])
}

func TestRateLimitReply(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")

	for i := 0; i < 5; i++ {
		h.handleMessage(c, []byte(`{"type":"ping"}`))
		recvEnvelope(t, c)
	}
	h.handleMessage(c, []byte(`{"type":"ping"}`))

	env := recvEnvelope(t, c)
	assert.Equal(t, "rate_limit_exceeded", env.Type)
	m := dataMap(t, env)
	assert.NotEmpty(t, m["resetTime"])
	assert.Equal(t, int64(1), h.Stats().RateLimited)
}

func TestBroadcastToFeedOnlySubscribers(t *testing.T) {
	h := newTestHub(&fakeSource{})
	sub := testConn(t, h, "1")
	other := testConn(t, h, "2")

	h.handleMessage(sub, []byte(`{"type":"subscribe","data":{"feed":"TrackStatus"}}`))
	recvEnvelope(t, sub)

	h.BroadcastToFeed(feed.TrackStatus, map[string]any{"statusName": "Yellow"}, "ts1")

	env := recvEnvelope(t, sub)
	assert.Equal(t, "feed:TrackStatus", env.Type)
	m := dataMap(t, env)
	assert.Equal(t, "TrackStatus", m["feedName"])
	assert.Equal(t, "ts1", m["timestamp"])

	select {
	case <-other.send:
		t.Fatal("non-subscriber received a feed broadcast")
	default:
	}
}

func TestThrottledBroadcastDeliversLatest(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")
	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"Position"}}`))
	recvEnvelope(t, c)

	interval := 50 * time.Millisecond
	h.ThrottledBroadcast(feed.Position, "", map[string]any{"n": float64(1)}, "t1", interval)
	h.ThrottledBroadcast(feed.Position, "", map[string]any{"n": float64(2)}, "t2", interval)
	h.ThrottledBroadcast(feed.Position, "", map[string]any{"n": float64(3)}, "t3", interval)

	// First goes out immediately.
	env := recvEnvelope(t, c)
	payload := dataMap(t, env)["payload"].(map[string]any)
	assert.Equal(t, float64(1), payload["n"])

	// The trailing timer delivers only the latest pending payload.
	env = recvEnvelope(t, c)
	payload = dataMap(t, env)["payload"].(map[string]any)
	assert.Equal(t, float64(3), payload["n"])

	select {
	case <-c.send:
		t.Fatal("intermediate throttled payload was delivered")
	case <-time.After(2 * interval):
	}
}

func TestThrottledBroadcastZeroInterval(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")
	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"Position"}}`))
	recvEnvelope(t, c)

	h.ThrottledBroadcast(feed.Position, "", map[string]any{"n": float64(1)}, "t1", 0)
	h.ThrottledBroadcast(feed.Position, "", map[string]any{"n": float64(2)}, "t2", 0)

	recvEnvelope(t, c)
	env := recvEnvelope(t, c)
	payload := dataMap(t, env)["payload"].(map[string]any)
	assert.Equal(t, float64(2), payload["n"], "zero interval delivers everything")
}

func TestAdmitPerIPCap(t *testing.T) {
	h := newTestHub(&fakeSource{})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	assert.Empty(t, h.admit("10.0.0.9", req))
	assert.Empty(t, h.admit("10.0.0.9", req))
	assert.Equal(t, "ip_cap", h.admit("10.0.0.9", req))

	h.releaseIP("10.0.0.9")
	assert.Empty(t, h.admit("10.0.0.9", req))
}

func TestAdmitProductionChecks(t *testing.T) {
	h := New(Options{
		HeartbeatInterval: 30 * time.Second,
		Production:        true,
		AllowedOrigins:    []string{"https://pitwall.dev"},
	}, &fakeSource{}, nil, nil, zerolog.Nop(), nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux)")
	assert.Equal(t, "origin", h.admit("1.2.3.4", req))

	req.Header.Set("Origin", "https://pitwall.dev")
	req.Header.Set("User-Agent", "curl")
	assert.Equal(t, "user_agent", h.admit("1.2.3.4", req))

	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux)")
	assert.Empty(t, h.admit("1.2.3.4", req))
}

func TestEvictIdleClosesStaleConnections(t *testing.T) {
	h := newTestHub(&fakeSource{})
	stale := testConn(t, h, "1")
	fresh := testConn(t, h, "2")

	past := time.Now().Add(-3 * h.opts.HeartbeatInterval)
	stale.connectedAt = past
	stale.lastPing.Store(past.UnixNano())

	h.evictIdle()

	select {
	case <-stale.done:
	default:
		t.Fatal("connection idle past the cutoff was not closed")
	}
	select {
	case <-fresh.done:
		t.Fatal("recently active connection was closed")
	default:
	}
}

func TestRecoverBroadcastsSnapshotsAndSummary(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")

	h.Recover(context.Background(), map[feed.Domain]map[string]any{
		feed.DomainSession: {"name": "Monza"},
		feed.DomainDrivers: {"1": map[string]any{"name": "Max Verstappen"}},
	})

	env := recvEnvelope(t, c)
	assert.Equal(t, "session:update", env.Type)
	assert.Equal(t, true, dataMap(t, env)["cached"])

	env = recvEnvelope(t, c)
	assert.Equal(t, "drivers:update", env.Type)
	assert.Equal(t, true, dataMap(t, env)["cached"])

	env = recvEnvelope(t, c)
	assert.Equal(t, "data:restored", env.Type)
	restored := dataMap(t, env)["restoredTypes"].([]any)
	assert.ElementsMatch(t, []any{"session", "drivers"}, restored)
}

func TestStats(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")
	testConn(t, h, "2")

	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"TimingData"}}`))
	recvEnvelope(t, c)

	s := h.Stats()
	assert.Equal(t, int64(2), s.ActiveConnections)
	assert.Equal(t, int64(2), s.TotalConnections)
	assert.Equal(t, 1, s.FeedSubscribers["TimingData"])
}

func TestUnregisterClearsState(t *testing.T) {
	h := newTestHub(&fakeSource{})
	c := testConn(t, h, "1")
	h.handleMessage(c, []byte(`{"type":"subscribe","data":{"feed":"TimingData"}}`))
	recvEnvelope(t, c)

	h.unregister(c)
	assert.Empty(t, h.subscribers(feed.TimingData))
	assert.Equal(t, int64(0), h.Stats().ActiveConnections)
}
