// Package bridge mirrors canonical events onto NATS so other services can
// consume the live feeds without holding a push-socket connection.
package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/metrics"
)

// Options configures the mirror.
type Options struct {
	// URL empty disables the bridge.
	URL string
	// SubjectPrefix is prepended to the feed name, e.g. "f1.feed." yields
	// "f1.feed.TimingData".
	SubjectPrefix string
}

// event is the published body.
type event struct {
	FeedName  string         `json:"feedName"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Bridge publishes events best-effort; a broker outage never blocks the
// pipeline.
type Bridge struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
	m      *metrics.Registry
}

// New connects to the broker. Callers should treat a nil bridge as disabled.
func New(opts Options, log zerolog.Logger, m *metrics.Registry) (*Bridge, error) {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "f1.feed."
	}
	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bridge connect: %w", err)
	}
	return &Bridge{
		nc:     nc,
		prefix: opts.SubjectPrefix,
		log:    log.With().Str("component", "bridge").Logger(),
		m:      m,
	}, nil
}

// Publish mirrors one event to <prefix><feedName>.
func (b *Bridge) Publish(k feed.Kind, ev *feed.Event) error {
	data, err := json.Marshal(event{
		FeedName:  string(k),
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.prefix+string(k), data); err != nil {
		if b.m != nil {
			b.m.BridgeErrors.Inc()
		}
		return err
	}
	if b.m != nil {
		b.m.BridgePublished.Inc()
	}
	return nil
}

// Connected reports broker reachability for the health surface.
func (b *Bridge) Connected() bool {
	return b.nc.IsConnected()
}

// Close drains pending publishes and drops the connection.
func (b *Bridge) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
