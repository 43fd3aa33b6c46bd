// Package normalize turns raw upstream feed frames into canonical events:
// deduped by timestamp, remapped to lowerCamelCase fields, with per-feed
// extraction for the structured feeds.
package normalize

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/pitwall-dev/relay/internal/feed"
	"github.com/pitwall-dev/relay/internal/state"
)

// trackFlags maps the upstream numeric track status to a flag name.
var trackFlags = map[string]string{
	"1": "Green",
	"2": "Yellow",
	"3": "SafetyCar",
	"4": "Red",
	"5": "VirtualSafetyCar",
	"6": "SafetyCarEnding",
	"7": "VirtualSafetyCarEnding",
}

// fastestMark is the holder of one fastest time.
type fastestMark struct {
	DriverNumber string `json:"driverNumber"`
	Time         string `json:"time"`
}

// Normalizer is single-goroutine state: a last-timestamp memo per feed and
// the running fastest-lap marks.
type Normalizer struct {
	log      zerolog.Logger
	lastSeen map[feed.Kind]string

	fastestLap     fastestMark
	fastestSectors [3]fastestMark
}

// New returns an empty normalizer.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{
		log:      log.With().Str("component", "normalizer").Logger(),
		lastSeen: make(map[feed.Kind]string),
	}
}

// Apply normalizes one frame. It returns (nil, false) when the frame is a
// duplicate of the last one seen for its feed. Out-of-order older frames are
// forwarded and do not move the memo backward.
func (n *Normalizer) Apply(f feed.Frame) (*feed.Event, bool) {
	if last, ok := n.lastSeen[f.Name]; ok && last == f.Timestamp {
		return nil, false
	}
	if f.Timestamp > n.lastSeen[f.Name] {
		n.lastSeen[f.Name] = f.Timestamp
	}

	ev := &feed.Event{Name: f.Name, Timestamp: f.Timestamp}
	switch f.Name {
	case feed.TimingData:
		ev.Data = n.timingData(f.Payload)
	case feed.CarData:
		ev.Data = carData(f.Payload)
	case feed.Position:
		ev.Data = positionData(f.Payload)
	case feed.TrackStatus:
		ev.Data = trackStatus(f.Payload)
	case feed.SessionInfo, feed.SessionData, feed.DriverList,
		feed.Weather, feed.RaceControl:
		ev.Data = lowerCamelMap(f.Payload)
	case feed.Heartbeat:
		ev.Data = f.Payload
	default:
		// Unknown feeds pass through untouched.
		n.log.Debug().Str("feed", string(f.Name)).Msg("unrecognized feed, passing raw payload")
		ev.Data = f.Payload
	}
	return ev, true
}

// Reset clears the dedup memo and fastest marks, typically on session change.
func (n *Normalizer) Reset() {
	n.lastSeen = make(map[feed.Kind]string)
	n.fastestLap = fastestMark{}
	n.fastestSectors = [3]fastestMark{}
}

func (n *Normalizer) timingData(payload map[string]any) map[string]any {
	lines := make(map[string]any)
	for number, raw := range getMap(payload, "Lines") {
		line, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		d := map[string]any{
			"position":                toIntOrNil(line["Position"]),
			"lastLapTime":             nestedValue(line, "LastLapTime"),
			"numberOfLaps":            toIntOrNil(line["NumberOfLaps"]),
			"sectors":                 sectorValues(line["Sectors"]),
			"timeDiffToFastest":       stringOrNil(line["TimeDiffToFastest"]),
			"timeDiffToPositionAhead": stringOrNil(line["TimeDiffToPositionAhead"]),
			"inPit":                   toBool(line["InPit"]),
			"retired":                 toBool(line["Retired"]),
		}
		if toBool(line["Stopped"]) {
			d["status"] = "STOPPED"
		} else {
			d["status"] = "RUNNING"
		}
		// Only a frame carrying a real lap value updates the driver's best
		// lap; null and empty values leave it untouched.
		if best, present := bestLapValue(line); present {
			d["bestLapTime"] = best
			if s, ok := best.(string); ok && s != "" {
				n.markFastestLap(number, s)
			}
		}
		n.markFastestSectors(number, line["Sectors"])
		lines[number] = d
	}
	out := map[string]any{"lines": lines}
	out["fastest"] = n.fastestSnapshot()
	return out
}

func (n *Normalizer) markFastestLap(number, lap string) {
	if n.fastestLap.Time == "" || timeLess(lap, n.fastestLap.Time) {
		n.fastestLap = fastestMark{DriverNumber: number, Time: lap}
	}
}

func (n *Normalizer) markFastestSectors(number string, raw any) {
	sectors, ok := raw.([]any)
	if !ok {
		return
	}
	for i, s := range sectors {
		if i >= len(n.fastestSectors) {
			break
		}
		sm, ok := s.(map[string]any)
		if !ok {
			continue
		}
		val, _ := sm["Value"].(string)
		if val == "" {
			continue
		}
		if n.fastestSectors[i].Time == "" || timeLess(val, n.fastestSectors[i].Time) {
			n.fastestSectors[i] = fastestMark{DriverNumber: number, Time: val}
		}
	}
}

func (n *Normalizer) fastestSnapshot() map[string]any {
	sectors := make([]any, len(n.fastestSectors))
	for i, s := range n.fastestSectors {
		sectors[i] = s
	}
	return map[string]any{
		"overall": n.fastestLap,
		"sectors": sectors,
	}
}

// DriverUpdates converts a normalized timing event into per-driver merge
// updates for the state table.
func DriverUpdates(ev *feed.Event) map[string]state.Update {
	lines, ok := ev.Data["lines"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]state.Update, len(lines))
	for number, raw := range lines {
		d, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		u := state.Update{
			Position:      intPtr(d["position"]),
			LastLap:       strPtr(d["lastLapTime"]),
			CompletedLaps: intPtr(d["numberOfLaps"]),
			Gap:           strPtr(d["timeDiffToFastest"]),
			Interval:      strPtr(d["timeDiffToPositionAhead"]),
			InPit:         boolPtr(d["inPit"]),
			Retired:       boolPtr(d["retired"]),
			Status:        strPtr(d["status"]),
		}
		if best, present := d["bestLapTime"]; present {
			u.BestLapSet = true
			u.BestLap = strPtr(best)
		}
		out[number] = u
	}
	return out
}

// carData extracts the telemetry channels the relay forwards.
var carChannels = map[string]string{
	"0":  "speed",
	"2":  "rpm",
	"3":  "gear",
	"4":  "throttle",
	"5":  "brake",
	"45": "drs",
}

func carData(payload map[string]any) map[string]any {
	entries, ok := payload["Entries"].([]any)
	if !ok {
		return map[string]any{"entries": []any{}}
	}
	out := make([]any, 0, len(entries))
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cars := make(map[string]any)
		for number, carRaw := range getMap(entry, "Cars") {
			car, ok := carRaw.(map[string]any)
			if !ok {
				continue
			}
			channels := getMap(car, "Channels")
			sample := make(map[string]any, len(carChannels))
			for idx, name := range carChannels {
				sample[name] = toIntOrNil(channels[idx])
			}
			cars[number] = sample
		}
		out = append(out, map[string]any{
			"utc":  stringOrNil(entry["Utc"]),
			"cars": cars,
		})
	}
	return map[string]any{"entries": out}
}

func positionData(payload map[string]any) map[string]any {
	batches, ok := payload["Position"].([]any)
	if !ok {
		return map[string]any{"position": []any{}}
	}
	out := make([]any, 0, len(batches))
	for _, raw := range batches {
		batch, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entries := make(map[string]any)
		for number, posRaw := range getMap(batch, "Entries") {
			pos, ok := posRaw.(map[string]any)
			if !ok {
				continue
			}
			entries[number] = map[string]any{
				"x":      pos["X"],
				"y":      pos["Y"],
				"z":      pos["Z"],
				"status": stringOrNil(pos["Status"]),
			}
		}
		out = append(out, map[string]any{
			"timestamp": stringOrNil(batch["Timestamp"]),
			"entries":   entries,
		})
	}
	return map[string]any{"position": out}
}

func trackStatus(payload map[string]any) map[string]any {
	out := lowerCamelMap(payload)
	status, _ := payload["Status"].(string)
	flag, ok := trackFlags[status]
	if !ok {
		flag = "Unknown"
	}
	out["statusName"] = flag
	return out
}

// lowerCamelMap recursively rewrites map keys from UpperCamelCase to
// lowerCamelCase.
func lowerCamelMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[lowerCamel(k)] = lowerCamelValue(v)
	}
	return out
}

func lowerCamelValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return lowerCamelMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = lowerCamelValue(e)
		}
		return out
	default:
		return v
	}
}

func lowerCamel(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	// Leading acronym runs ("DRS", "IDValue") lowercase up to the last
	// capital before a lowercase letter.
	i := 0
	for i < len(r) && unicode.IsUpper(r[i]) {
		if i+1 < len(r) && unicode.IsLower(r[i+1]) && i > 0 {
			break
		}
		r[i] = unicode.ToLower(r[i])
		i++
	}
	return string(r)
}

// timeLess compares "M:SS.sss" style time strings; shorter strings carry
// fewer minute digits and therefore sort first.
func timeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// nestedValue pulls the "Value" field from a nested time object, nil when
// absent or empty.
func nestedValue(m map[string]any, key string) any {
	obj, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return stringOrNil(obj["Value"])
}

// bestLapValue reports BestLapTime.Value. Null, empty, and malformed values
// count as absent; a held best lap must never be cleared by them.
func bestLapValue(line map[string]any) (any, bool) {
	obj, ok := line["BestLapTime"].(map[string]any)
	if !ok {
		return nil, false
	}
	val, _ := obj["Value"].(string)
	if val == "" {
		return nil, false
	}
	return val, true
}

func sectorValues(raw any) []any {
	out := []any{nil, nil, nil}
	sectors, ok := raw.([]any)
	if !ok {
		return out
	}
	for i := 0; i < len(sectors) && i < 3; i++ {
		if sm, ok := sectors[i].(map[string]any); ok {
			out[i] = stringOrNil(sm["Value"])
		}
	}
	return out
}

func stringOrNil(v any) any {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return nil
}

// toIntOrNil accepts JSON numbers and numeric strings.
func toIntOrNil(v any) any {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return nil
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func intPtr(v any) *int {
	if n, ok := v.(int); ok {
		return &n
	}
	if f, ok := v.(float64); ok {
		n := int(f)
		return &n
	}
	return nil
}

func strPtr(v any) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func boolPtr(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}
