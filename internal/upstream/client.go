// Package upstream maintains the session to the live timing hub: HTTP
// negotiate/start handshake, WebSocket transport, keep-alive, and the
// reconnect state machine. It emits raw feed frames in arrival order.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/metrics"
)

const (
	clientProtocol  = "1.5"
	maxBackoff      = 30 * time.Second
	frameBufferSize = 4096
	stateBufferSize = 16
)

// Options configures the client.
type Options struct {
	// URL is the hub base, e.g. "https://livetiming.formula1.com/signalr".
	URL     string
	HubName string
	// ReconnectBase seeds the exponential backoff.
	ReconnectBase time.Duration
	// MaxAttempts bounds consecutive reconnect attempts; the counter resets
	// on every successful connect.
	MaxAttempts    int
	ConnectTimeout time.Duration
	// KeepAliveOverride replaces the negotiated keep-alive interval when
	// non-zero.
	KeepAliveOverride time.Duration
}

// session holds the handshake artifacts for one connection attempt.
type session struct {
	token     string
	connID    string
	cookies   string
	keepAlive time.Duration
}

// Client is the upstream hub client. Construct with New, run with Start.
type Client struct {
	opts Options
	log  zerolog.Logger
	m    *metrics.Registry

	httpc  *http.Client
	dialer *websocket.Dialer

	frames chan feed.Frame
	states chan StateChange

	mu           sync.Mutex
	state        ConnState
	desired      map[feed.Kind]struct{}
	conn         *websocket.Conn
	connID       string
	wasConnected bool

	invocation int64
}

// New builds a client. Nothing is dialed until Start.
func New(opts Options, log zerolog.Logger, m *metrics.Registry) *Client {
	if opts.HubName == "" {
		opts.HubName = "Streaming"
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		log:     log.With().Str("component", "upstream").Logger(),
		m:       m,
		httpc:   &http.Client{Timeout: opts.ConnectTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		frames:  make(chan feed.Frame, frameBufferSize),
		states:  make(chan StateChange, stateBufferSize),
		state:   StateDisconnected,
		desired: make(map[feed.Kind]struct{}),
	}
}

// Frames is the arrival-ordered raw frame stream.
func (c *Client) Frames() <-chan feed.Frame { return c.frames }

// States emits lifecycle transitions.
func (c *Client) States() <-chan StateChange { return c.states }

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe adds feeds to the desired set. When Connected the hub call goes
// out immediately; otherwise it is deferred until the next connect.
func (c *Client) Subscribe(feeds ...feed.Kind) error {
	c.mu.Lock()
	names := make([]string, 0, len(feeds))
	for _, f := range feeds {
		if _, ok := c.desired[f]; ok {
			continue
		}
		c.desired[f] = struct{}{}
		names = append(names, string(f))
	}
	connected := c.state == StateConnected && c.conn != nil
	c.mu.Unlock()

	if len(names) == 0 || !connected {
		return nil
	}
	return c.invoke("Subscribe", []any{names})
}

// Unsubscribe removes a feed from the desired set and, when connected,
// invokes the hub method.
func (c *Client) Unsubscribe(f feed.Kind) error {
	c.mu.Lock()
	_, had := c.desired[f]
	delete(c.desired, f)
	connected := c.state == StateConnected && c.conn != nil
	c.mu.Unlock()

	if !had || !connected {
		return nil
	}
	return c.invoke("Unsubscribe", []any{[]string{string(f)}})
}

// Start runs the connect loop until ctx is canceled or the reconnect budget
// is exhausted. It is the only goroutine that mutates the state machine.
func (c *Client) Start(ctx context.Context) error {
	defer func() {
		c.setState(StateDisconnected, nil)
		close(c.frames)
	}()

	attempts := 0
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.consumeConnected() {
			attempts = 0
		}

		attempts++
		if c.m != nil {
			c.m.UpstreamReconnects.Inc()
		}
		if c.opts.MaxAttempts > 0 && attempts > c.opts.MaxAttempts {
			maxErr := &Error{Kind: ErrMaxRetries,
				Err: fmt.Errorf("gave up after %d attempts: %w", attempts-1, err)}
			c.setState(StateDisconnected, maxErr)
			return maxErr
		}

		delay := backoffDelay(c.opts.ReconnectBase, attempts)
		c.log.Warn().Err(err).Int("attempt", attempts).Dur("backoff", delay).
			Msg("upstream connection lost, retrying")
		c.setState(StateReconnecting, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consumeConnected reports whether the last runOnce reached Connected, so
// Start can reset its attempt budget after the session later drops.
func (c *Client) consumeConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.wasConnected
	c.wasConnected = false
	return was
}

// runOnce performs one full handshake and reads frames until the transport
// fails or ctx is canceled.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateNegotiating, nil)
	sess, err := c.negotiate(ctx)
	if err != nil {
		return err
	}

	c.setState(StateOpening, nil)
	conn, err := c.dial(ctx, sess)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ReadMessage does not watch ctx; closing the socket is the only way to
	// unblock a pending read when the caller cancels.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	c.setState(StateStarting, nil)
	if err := c.start(ctx, sess); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.wasConnected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateConnected, nil)
	if c.m != nil {
		c.m.UpstreamConnected.Set(1)
		defer c.m.UpstreamConnected.Set(0)
	}

	if err := c.resubscribe(); err != nil {
		return &Error{Kind: ErrTransport, Err: err}
	}

	keepAlive := sess.keepAlive
	if c.opts.KeepAliveOverride > 0 {
		keepAlive = c.opts.KeepAliveOverride
	}
	stopKA := c.startKeepAlive(ctx, conn, keepAlive)
	defer stopKA()

	return c.readLoop(ctx, conn)
}

// negotiate performs the HTTP negotiate step and captures the token,
// connection id, keep-alive interval, and session cookies.
func (c *Client) negotiate(ctx context.Context) (*session, error) {
	u := c.opts.URL + "/negotiate?" + url.Values{
		"clientProtocol": {clientProtocol},
		"connectionData": {c.connectionData()},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Kind: ErrNegotiation, Err: err}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrNegotiation, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: ErrNegotiation, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected negotiate status")}
	}

	var body negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &Error{Kind: ErrNegotiation, Err: err}
	}

	return &session{
		token:     body.ConnectionToken,
		connID:    body.ConnectionID,
		cookies:   joinCookies(resp.Header.Values("Set-Cookie")),
		keepAlive: time.Duration(body.KeepAliveTimeout * float64(time.Second)),
	}, nil
}

// dial opens the WebSocket transport for a negotiated session.
func (c *Client) dial(ctx context.Context, sess *session) (*websocket.Conn, error) {
	base, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, &Error{Kind: ErrTransport, Err: err}
	}
	wsURL := *base
	switch base.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	case "http":
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/connect"
	wsURL.RawQuery = url.Values{
		"transport":       {"webSockets"},
		"clientProtocol":  {clientProtocol},
		"connectionToken": {sess.token},
		"connectionData":  {c.connectionData()},
		"tid":             {"10"},
	}.Encode()

	header := http.Header{}
	if sess.cookies != "" {
		header.Set("Cookie", sess.cookies)
	}
	header.Set("Origin", base.Scheme+"://"+base.Host)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &Error{Kind: ErrTransport, Status: status, Err: err}
	}
	return conn, nil
}

// start performs the HTTP start step; the session is live only once the hub
// answers Response == "started".
func (c *Client) start(ctx context.Context, sess *session) error {
	u := c.opts.URL + "/start?" + url.Values{
		"transport":       {"webSockets"},
		"clientProtocol":  {clientProtocol},
		"connectionToken": {sess.token},
		"connectionData":  {c.connectionData()},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &Error{Kind: ErrStart, Err: err}
	}
	if sess.cookies != "" {
		req.Header.Set("Cookie", sess.cookies)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Kind: ErrStart, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Kind: ErrStart, Status: resp.StatusCode,
			Err: fmt.Errorf("unexpected start status")}
	}

	var body startResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &Error{Kind: ErrStart, Err: err}
	}
	if body.Response != "started" {
		return &Error{Kind: ErrStart, Err: fmt.Errorf("hub answered %q", body.Response)}
	}
	return nil
}

func (c *Client) resubscribe() error {
	c.mu.Lock()
	names := make([]string, 0, len(c.desired))
	for f := range c.desired {
		names = append(names, string(f))
	}
	c.mu.Unlock()
	if len(names) == 0 {
		return nil
	}
	return c.invoke("Subscribe", []any{names})
}

// startKeepAlive sends an empty text frame every interval/2 while the
// connection lives.
func (c *Client) startKeepAlive(ctx context.Context, conn *websocket.Conn, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte{})
				c.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &Error{Kind: ErrTransport, Err: err}
		}
		if len(raw) == 0 {
			// inbound keep-alive
			continue
		}
		c.handleMessage(ctx, raw)
	}
}

// handleMessage parses one inbound hub frame. Parse failures are logged and
// skipped; they never tear down the connection.
func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var msg hubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn().Err(err).Int("bytes", len(raw)).Msg("unparseable hub frame, skipping")
		return
	}
	if msg.C != "" {
		c.mu.Lock()
		c.connID = msg.C
		c.mu.Unlock()
	}
	if msg.S != 0 {
		c.log.Debug().Msg("hub session initialized")
	}
	for _, inv := range msg.M {
		switch inv.M {
		case "feed":
			frame, err := parseFeedInvocation(inv.A)
			if err != nil {
				c.log.Warn().Err(err).Msg("malformed feed invocation, skipping")
				continue
			}
			c.emit(ctx, frame)
		case "heartbeat":
			frame, err := parseHeartbeat(inv.A)
			if err != nil {
				c.log.Warn().Err(err).Msg("malformed heartbeat, skipping")
				continue
			}
			c.emit(ctx, frame)
		default:
			c.log.Debug().Str("method", inv.M).Msg("ignoring hub invocation")
		}
	}
}

func (c *Client) emit(ctx context.Context, frame feed.Frame) {
	if c.m != nil {
		c.m.FramesReceived.Inc()
	}
	select {
	case c.frames <- frame:
	case <-ctx.Done():
	}
}

// parseFeedInvocation decodes A = [name, payload, timestamp].
func parseFeedInvocation(args []json.RawMessage) (feed.Frame, error) {
	if len(args) < 3 {
		return feed.Frame{}, fmt.Errorf("feed invocation has %d args, want 3", len(args))
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return feed.Frame{}, fmt.Errorf("feed name: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(args[1], &payload); err != nil {
		return feed.Frame{}, fmt.Errorf("feed payload: %w", err)
	}
	var ts string
	if err := json.Unmarshal(args[2], &ts); err != nil {
		return feed.Frame{}, fmt.Errorf("feed timestamp: %w", err)
	}
	return feed.Frame{Name: feed.Kind(name), Payload: payload, Timestamp: ts}, nil
}

// parseHeartbeat decodes A = [payload] into a Heartbeat frame.
func parseHeartbeat(args []json.RawMessage) (feed.Frame, error) {
	if len(args) < 1 {
		return feed.Frame{}, fmt.Errorf("heartbeat invocation has no args")
	}
	var payload map[string]any
	if err := json.Unmarshal(args[0], &payload); err != nil {
		return feed.Frame{}, fmt.Errorf("heartbeat payload: %w", err)
	}
	ts, _ := payload["Utc"].(string)
	return feed.Frame{Name: feed.Heartbeat, Payload: payload, Timestamp: ts}, nil
}

// invoke sends one outbound hub call with the next invocation id.
func (c *Client) invoke(method string, args []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.invocation++
	call := hubCall{
		H: c.opts.HubName,
		M: method,
		A: args,
		I: strconv.FormatInt(c.invocation, 10),
	}
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) connectionData() string {
	data, _ := json.Marshal([]map[string]string{{"name": c.opts.HubName}})
	return string(data)
}

func (c *Client) setState(s ConnState, err error) {
	c.mu.Lock()
	if c.state == s && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	change := StateChange{State: s, Err: err}
	select {
	case c.states <- change:
	default:
		c.log.Warn().Str("state", string(s)).Msg("state channel full, dropping transition")
	}
}

// joinCookies keeps the name=value pair of each Set-Cookie header and joins
// them for replay on the transport and start requests.
func joinCookies(headers []string) string {
	parts := make([]string, 0, len(headers))
	for _, h := range headers {
		if i := strings.Index(h, ";"); i >= 0 {
			h = h[:i]
		}
		h = strings.TrimSpace(h)
		if h != "" {
			parts = append(parts, h)
		}
	}
	return strings.Join(parts, "; ")
}

// backoffDelay is min(base * 2^(attempt-1), 30s); attempts count from 1.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 20 {
		shift = 20
	}
	d := base << shift
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
