package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitwall-dev/relay/internal/feed"
)

func testClient(url string) *Client {
	return New(Options{
		URL:            url,
		HubName:        "Streaming",
		ReconnectBase:  time.Second,
		ConnectTimeout: 2 * time.Second,
	}, zerolog.Nop(), nil)
}

func TestNegotiateCapturesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/negotiate", r.URL.Path)
		assert.Equal(t, "1.5", r.URL.Query().Get("clientProtocol"))
		assert.Equal(t, `[{"name":"Streaming"}]`, r.URL.Query().Get("connectionData"))

		w.Header().Add("Set-Cookie", "GCLB=abc123; path=/; HttpOnly")
		w.Header().Add("Set-Cookie", "session=xyz; Secure")
		json.NewEncoder(w).Encode(map[string]any{
			"ConnectionToken":  "tok-1",
			"ConnectionId":     "conn-1",
			"KeepAliveTimeout": 20.0,
		})
	}))
	defer srv.Close()

	sess, err := testClient(srv.URL).negotiate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", sess.token)
	assert.Equal(t, "conn-1", sess.connID)
	assert.Equal(t, "GCLB=abc123; session=xyz", sess.cookies)
	assert.Equal(t, 20*time.Second, sess.keepAlive)
}

func TestNegotiateNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).negotiate(context.Background())
	require.Error(t, err)
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ErrNegotiation, uerr.Kind)
	assert.Equal(t, http.StatusForbidden, uerr.Status)
}

func TestStartRequiresStartedResponse(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/start", r.URL.Path)
		gotCookie = r.Header.Get("Cookie")
		json.NewEncoder(w).Encode(map[string]string{"Response": "started"})
	}))
	defer srv.Close()

	sess := &session{token: "tok", cookies: "GCLB=abc123"}
	require.NoError(t, testClient(srv.URL).start(context.Background(), sess))
	assert.Equal(t, "GCLB=abc123", gotCookie)
}

func TestStartRejectsOtherResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"Response": "pending"})
	}))
	defer srv.Close()

	err := testClient(srv.URL).start(context.Background(), &session{token: "tok"})
	require.Error(t, err)
	var uerr *Error
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, ErrStart, uerr.Kind)
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoffDelay(base, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 4*time.Second, backoffDelay(base, 3))
	assert.Equal(t, 16*time.Second, backoffDelay(base, 5))
	assert.Equal(t, 30*time.Second, backoffDelay(base, 6), "capped at 30s")
	assert.Equal(t, 30*time.Second, backoffDelay(base, 50))
	assert.Equal(t, time.Second, backoffDelay(base, 0), "attempts count from 1")
}

func TestParseFeedInvocation(t *testing.T) {
	args := []json.RawMessage{
		json.RawMessage(`"TimingData"`),
		json.RawMessage(`{"Lines":{"44":{"Position":"1"}}}`),
		json.RawMessage(`"2025-03-16T05:01:00.000Z"`),
	}
	frame, err := parseFeedInvocation(args)
	require.NoError(t, err)
	assert.Equal(t, feed.TimingData, frame.Name)
	assert.Equal(t, "2025-03-16T05:01:00.000Z", frame.Timestamp)
	lines := frame.Payload["Lines"].(map[string]any)
	assert.Contains(t, lines, "44")

	_, err = parseFeedInvocation(args[:2])
	assert.Error(t, err, "feed invocations need three args")
}

func TestParseHeartbeat(t *testing.T) {
	frame, err := parseHeartbeat([]json.RawMessage{
		json.RawMessage(`{"Utc":"2025-03-16T05:01:00Z"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, feed.Heartbeat, frame.Name)
	assert.Equal(t, "2025-03-16T05:01:00Z", frame.Timestamp)
}

func TestHandleMessageRoutesInvocations(t *testing.T) {
	c := testClient("http://example.invalid")
	ctx := context.Background()

	raw := []byte(`{"C":"d-new","M":[
		{"H":"Streaming","M":"feed","A":["Heartbeat",{"Utc":"t1"},"t1"]},
		{"H":"Streaming","M":"feed","A":["WeatherData",{"AirTemp":"28"},"t2"]}
	]}`)
	c.handleMessage(ctx, raw)

	frame := <-c.frames
	assert.Equal(t, feed.Heartbeat, frame.Name)
	frame = <-c.frames
	assert.Equal(t, feed.Kind("WeatherData"), frame.Name)

	c.mu.Lock()
	assert.Equal(t, "d-new", c.connID)
	c.mu.Unlock()
}

func TestHandleMessageSkipsGarbage(t *testing.T) {
	c := testClient("http://example.invalid")
	c.handleMessage(context.Background(), []byte(`{not json`))
	c.handleMessage(context.Background(), []byte(`{"M":[{"M":"feed","A":["only-one-arg"]}]}`))
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame %v", f)
	default:
	}
}

func TestSubscribeDefersUntilConnected(t *testing.T) {
	c := testClient("http://example.invalid")
	require.NoError(t, c.Subscribe(feed.TimingData, feed.Weather))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.desired, 2, "desired set recorded for the next connect")
}

func TestStartReturnsOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/negotiate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ConnectionToken":  "tok",
			"ConnectionId":     "conn-1",
			"KeepAliveTimeout": 20.0,
		})
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"Response": "started"})
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	waitForState(t, c, StateConnected)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}

	_, open := <-c.frames
	assert.False(t, open, "frame channel closed on shutdown")
}

func waitForState(t *testing.T, c *Client, want ConnState) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case change := <-c.States():
			if change.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestJoinCookies(t *testing.T) {
	assert.Equal(t, "", joinCookies(nil))
	assert.Equal(t, "a=1; b=2", joinCookies([]string{"a=1; Path=/; HttpOnly", "b=2"}))
}
