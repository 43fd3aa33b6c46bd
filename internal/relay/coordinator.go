// Package relay wires the pipeline together: upstream frames through the
// normalizer into the cache, the driver table, and the subscriber hub, plus
// the recovery snapshot cycle around upstream reconnects.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pitwall-dev/relay/internal/cache"
	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/metrics"
	"github.com/pitwall-dev/relay/internal/normalize"
	"github.com/pitwall-dev/relay/internal/state"
	"github.com/pitwall-dev/relay/internal/upstream"
)

const recoveryKey = "last_state"

// frameSource is the upstream client surface the coordinator consumes.
type frameSource interface {
	Frames() <-chan feed.Frame
	States() <-chan upstream.StateChange
	Subscribe(feeds ...feed.Kind) error
}

// subscriberHub is the fan-out surface the coordinator drives.
type subscriberHub interface {
	BroadcastToFeed(k feed.Kind, payload any, timestamp string)
	BroadcastEvent(k feed.Kind, typ string, data any)
	ThrottledBroadcast(k feed.Kind, aliasType string, payload any, timestamp string, minInterval time.Duration)
	Recover(ctx context.Context, snapshots map[feed.Domain]map[string]any)
	SetUpstreamStatus(connected bool, errMsg string)
}

// EventPublisher mirrors events to an external broker; optional.
type EventPublisher interface {
	Publish(k feed.Kind, ev *feed.Event) error
}

// Options configures the coordinator.
type Options struct {
	// ThrottleInterval paces Position and CarData broadcasts.
	ThrottleInterval time.Duration
	// FrameBudget caps processed upstream frames per second; zero disables.
	FrameBudget int
}

// Coordinator owns the pipeline goroutine. It is the sole writer of the
// driver table and of cache entries driven by upstream events.
type Coordinator struct {
	opts   Options
	log    zerolog.Logger
	m      *metrics.Registry
	source frameSource
	hub    subscriberHub
	norm   *normalize.Normalizer
	table  *state.Table
	tier   *cache.Tier
	bridge EventPublisher
	budget *rate.Limiter
}

// New wires a coordinator. bridge may be nil.
func New(opts Options, source frameSource, h subscriberHub, norm *normalize.Normalizer,
	table *state.Table, tier *cache.Tier, bridge EventPublisher,
	log zerolog.Logger, m *metrics.Registry) *Coordinator {

	var budget *rate.Limiter
	if opts.FrameBudget > 0 {
		budget = rate.NewLimiter(rate.Limit(opts.FrameBudget), 2*opts.FrameBudget)
	}
	return &Coordinator{
		opts:   opts,
		log:    log.With().Str("component", "coordinator").Logger(),
		m:      m,
		source: source,
		hub:    h,
		norm:   norm,
		table:  table,
		tier:   tier,
		bridge: bridge,
		budget: budget,
	}
}

// Table exposes the driver table for read-only callers.
func (c *Coordinator) Table() *state.Table { return c.table }

// Run consumes frames and state changes until ctx ends or the frame channel
// closes.
func (c *Coordinator) Run(ctx context.Context) {
	frames := c.source.Frames()
	states := c.source.States()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.handleStateChange(ctx, change)
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.handleFrame(ctx, frame)
		}
	}
}

func (c *Coordinator) handleFrame(ctx context.Context, frame feed.Frame) {
	if c.budget != nil && !c.budget.Allow() {
		if c.m != nil {
			c.m.FramesDropped.Inc()
		}
		return
	}

	ev, ok := c.norm.Apply(frame)
	if !ok {
		if c.m != nil {
			c.m.EventsDeduped.Inc()
		}
		return
	}
	if c.m != nil {
		c.m.EventsNormalized.Inc()
	}

	if tag, ok := tagFor(ev.Name); ok {
		if data, err := json.Marshal(ev.Data); err == nil {
			c.tier.Set(ctx, tag, "current", data)
		} else {
			c.log.Error().Err(err).Str("feed", string(ev.Name)).Msg("failed to encode event for cache")
		}
	}

	switch ev.Name {
	case feed.TimingData:
		c.applyTiming(ev)
	case feed.DriverList:
		c.applyDriverList(ev)
	}

	c.broadcast(ev)

	if c.bridge != nil {
		if err := c.bridge.Publish(ev.Name, ev); err != nil {
			c.log.Debug().Err(err).Str("feed", string(ev.Name)).Msg("bridge publish failed")
		}
	}
}

// applyTiming merges per-driver updates and pushes the merged records to
// timing subscribers.
func (c *Coordinator) applyTiming(ev *feed.Event) {
	updates := normalize.DriverUpdates(ev)
	if len(updates) == 0 {
		return
	}
	merged := make(map[string]state.Record, len(updates))
	for number, u := range updates {
		c.table.Merge(number, u, ev.Timestamp)
		if r, ok := c.table.Get(number); ok {
			merged[number] = r
		}
	}
	c.hub.BroadcastEvent(feed.TimingData, "driver:update", merged)
}

// applyDriverList records display names and announces the full ordered
// standings.
func (c *Coordinator) applyDriverList(ev *feed.Event) {
	for number, raw := range ev.Data {
		d, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := d["broadcastName"].(string)
		if name == "" {
			name, _ = d["fullName"].(string)
		}
		if name != "" {
			c.table.SetName(number, name)
		}
	}
	c.hub.BroadcastEvent(feed.DriverList, "drivers:all", c.table.Standings())
}

func (c *Coordinator) broadcast(ev *feed.Event) {
	switch ev.Name {
	case feed.Position:
		c.hub.ThrottledBroadcast(ev.Name, "position:update", ev.Data, ev.Timestamp, c.opts.ThrottleInterval)
	case feed.CarData:
		c.hub.ThrottledBroadcast(ev.Name, "", ev.Data, ev.Timestamp, c.opts.ThrottleInterval)
	default:
		c.hub.BroadcastToFeed(ev.Name, ev.Data, ev.Timestamp)
		if alias := aliasTypeFor(ev.Name); alias != "" {
			c.hub.BroadcastEvent(ev.Name, alias, ev.Data)
		}
	}
}

func (c *Coordinator) handleStateChange(ctx context.Context, change upstream.StateChange) {
	switch change.State {
	case upstream.StateReconnecting:
		errMsg := ""
		if change.Err != nil {
			errMsg = change.Err.Error()
		}
		c.hub.SetUpstreamStatus(false, errMsg)
		c.writeRecoverySnapshot(ctx)
	case upstream.StateConnected:
		c.hub.SetUpstreamStatus(true, "")
		c.replayRecoverySnapshot(ctx)
		if err := c.source.Subscribe(feed.Kinds()...); err != nil {
			c.log.Warn().Err(err).Msg("resubscribe after reconnect failed")
		}
	case upstream.StateDisconnected:
		if change.Err != nil {
			c.hub.SetUpstreamStatus(false, change.Err.Error())
		}
	}
}

// writeRecoverySnapshot persists the six live domains so a reconnect can
// replay them to subscribers.
func (c *Coordinator) writeRecoverySnapshot(ctx context.Context) {
	snapshot := make(map[string]json.RawMessage)
	for _, d := range feed.Domains() {
		if data, ok := c.tier.Get(ctx, tagForDomain(d), "current"); ok {
			snapshot[string(d)] = json.RawMessage(data)
		}
	}
	if len(snapshot) == 0 {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode recovery snapshot")
		return
	}
	c.tier.Set(ctx, cache.TagRecovery, recoveryKey, data, cache.WithTTL(time.Hour))
	c.log.Info().Int("domains", len(snapshot)).Msg("recovery snapshot written")
}

// Snapshot persists the current live domains, as done before a reconnect.
// The shutdown path calls it so a restarted process can replay state.
func (c *Coordinator) Snapshot(ctx context.Context) {
	c.writeRecoverySnapshot(ctx)
}

func (c *Coordinator) replayRecoverySnapshot(ctx context.Context) {
	data, ok := c.tier.Get(ctx, cache.TagRecovery, recoveryKey)
	if !ok {
		return
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		c.log.Error().Err(err).Msg("corrupt recovery snapshot, skipping replay")
		return
	}
	snapshots := make(map[feed.Domain]map[string]any, len(raw))
	for name, body := range raw {
		if d, ok := feed.ParseDomain(name); ok {
			snapshots[d] = body
		}
	}
	c.hub.Recover(ctx, snapshots)
}

// Current returns the cached value for one live domain. It implements the
// hub's snapshot source.
func (c *Coordinator) Current(ctx context.Context, d feed.Domain) (map[string]any, bool) {
	data, ok := c.tier.Get(ctx, tagForDomain(d), "current")
	if !ok {
		return nil, false
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		c.log.Error().Err(err).Str("domain", string(d)).Msg("corrupt cached domain value")
		return nil, false
	}
	return body, true
}

// GetCurrent is the request-handler alias for Current.
func (c *Coordinator) GetCurrent(ctx context.Context, d feed.Domain) (map[string]any, bool) {
	return c.Current(ctx, d)
}

// ClearCache flushes the named domains, or everything when none are given.
func (c *Coordinator) ClearCache(ctx context.Context, domains ...feed.Domain) {
	if len(domains) == 0 {
		c.tier.FlushAll(ctx)
		return
	}
	for _, d := range domains {
		c.tier.FlushTag(ctx, tagForDomain(d))
	}
}

func tagFor(k feed.Kind) (cache.Tag, bool) {
	switch k {
	case feed.SessionInfo, feed.SessionData:
		return cache.TagSession, true
	case feed.DriverList:
		return cache.TagDrivers, true
	case feed.TimingData:
		return cache.TagTiming, true
	case feed.Weather:
		return cache.TagWeather, true
	case feed.TrackStatus:
		return cache.TagTrack, true
	case feed.Position:
		return cache.TagPosition, true
	case feed.CarData:
		return cache.TagTelemetry, true
	default:
		return "", false
	}
}

func tagForDomain(d feed.Domain) cache.Tag {
	switch d {
	case feed.DomainSession:
		return cache.TagSession
	case feed.DomainDrivers:
		return cache.TagDrivers
	case feed.DomainTiming:
		return cache.TagTiming
	case feed.DomainWeather:
		return cache.TagWeather
	case feed.DomainTrack:
		return cache.TagTrack
	case feed.DomainPosition:
		return cache.TagPosition
	default:
		return cache.Tag(string(d))
	}
}

func aliasTypeFor(k feed.Kind) string {
	switch k {
	case feed.SessionInfo, feed.SessionData:
		return "session:update"
	case feed.TimingData:
		return "timing:update"
	case feed.DriverList:
		return "drivers:update"
	case feed.Weather:
		return "weather:update"
	case feed.TrackStatus:
		return "track:status"
	default:
		return ""
	}
}
