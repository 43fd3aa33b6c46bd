package cache

import "time"

// Tag names one cache key space. Each tag has its own key prefix, TTL, and
// bounded L1 segment, so flushing a tag never scans other tags.
type Tag string

const (
	TagSession       Tag = "session"
	TagDrivers       Tag = "drivers"
	TagTiming        Tag = "timing"
	TagWeather       Tag = "weather"
	TagTrack         Tag = "track"
	TagPosition      Tag = "position"
	TagTelemetry     Tag = "telemetry"
	TagRateLimit     Tag = "rate_limit"
	TagClientSession Tag = "client_session"
	TagRecovery      Tag = "recovery"
)

// Tags returns every known tag in stable order.
func Tags() []Tag {
	return []Tag{
		TagSession, TagDrivers, TagTiming, TagWeather, TagTrack,
		TagPosition, TagTelemetry, TagRateLimit, TagClientSession, TagRecovery,
	}
}

var defaultTTLs = map[Tag]time.Duration{
	TagSession:       30 * time.Minute,
	TagDrivers:       10 * time.Minute,
	TagTiming:        time.Minute,
	TagWeather:       2 * time.Minute,
	TagTrack:         30 * time.Second,
	TagPosition:      10 * time.Second,
	TagTelemetry:     5 * time.Second,
	TagRateLimit:     time.Minute,
	TagClientSession: time.Hour,
	TagRecovery:      time.Hour,
}

// keyPrefix returns the L2 prefix for a tag, e.g. "session:".
func keyPrefix(t Tag) string {
	return string(t) + ":"
}
