// Package feed defines the closed set of upstream feeds and the records that
// flow through the relay pipeline: raw frames as delivered by the upstream
// hub, and the canonical events the normalizer produces from them.
package feed

// Kind names one upstream feed.
type Kind string

const (
	SessionInfo Kind = "SessionInfo"
	DriverList  Kind = "DriverList"
	TimingData  Kind = "TimingData"
	CarData     Kind = "CarData"
	Position    Kind = "Position"
	Weather     Kind = "Weather"
	TrackStatus Kind = "TrackStatus"
	SessionData Kind = "SessionData"
	RaceControl Kind = "RaceControl"
	Heartbeat   Kind = "Heartbeat"
)

// kinds is the closed set, in the order used for hub announcements and
// upstream subscriptions.
var kinds = []Kind{
	SessionInfo,
	DriverList,
	TimingData,
	CarData,
	Position,
	Weather,
	TrackStatus,
	SessionData,
	RaceControl,
	Heartbeat,
}

var kindSet = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		m[k] = struct{}{}
	}
	return m
}()

// Kinds returns all feed kinds in stable order. The returned slice is a copy.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Names returns all feed names as strings, in the same order as Kinds.
func Names() []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// Parse validates a feed name against the closed set.
func Parse(name string) (Kind, bool) {
	k := Kind(name)
	_, ok := kindSet[k]
	return k, ok
}

// Valid reports whether name is a member of the closed feed set.
func Valid(name string) bool {
	_, ok := Parse(name)
	return ok
}

// Frame is a raw upstream record: feed name, opaque payload, and the
// upstream-assigned timestamp. Frames are immutable once produced.
type Frame struct {
	Name      Kind
	Payload   map[string]any
	Timestamp string
}

// Event is the normalizer's output: a canonical record independent of
// upstream JSON quirks. Data holds lowerCamelCase fields keyed per kind.
// Events are immutable.
type Event struct {
	Name      Kind
	Timestamp string
	Data      map[string]any
}

// Domain identifies one of the live data domains the relay caches and serves
// on request. Domains are a coarser grouping than feeds: both SessionInfo and
// SessionData land in the session domain.
type Domain string

const (
	DomainSession  Domain = "session"
	DomainDrivers  Domain = "drivers"
	DomainTiming   Domain = "timing"
	DomainWeather  Domain = "weather"
	DomainTrack    Domain = "track"
	DomainPosition Domain = "position"
)

// Domains returns the six request-able live domains in stable order.
func Domains() []Domain {
	return []Domain{
		DomainSession,
		DomainDrivers,
		DomainTiming,
		DomainWeather,
		DomainTrack,
		DomainPosition,
	}
}

// ParseDomain validates a domain name.
func ParseDomain(name string) (Domain, bool) {
	for _, d := range Domains() {
		if string(d) == name {
			return d, true
		}
	}
	return "", false
}

// DomainOf maps a feed kind to its live domain. CarData maps to no request-able
// domain (its cache tag is telemetry); Heartbeat and RaceControl carry no
// domain either.
func DomainOf(k Kind) (Domain, bool) {
	switch k {
	case SessionInfo, SessionData:
		return DomainSession, true
	case DriverList:
		return DomainDrivers, true
	case TimingData:
		return DomainTiming, true
	case Weather:
		return DomainWeather, true
	case TrackStatus:
		return DomainTrack, true
	case Position:
		return DomainPosition, true
	default:
		return "", false
	}
}
