// Package state accumulates per-driver timing into a merged table and
// derives the standings order from it.
package state

import (
	"sort"
	"strconv"
	"sync"
)

// Record is the merged view of one driver. Nullable fields are pointers so
// an unset value is distinct from a zero value.
type Record struct {
	Number        string  `json:"driverNumber"`
	Name          string  `json:"name"`
	Position      *int    `json:"position"`
	LastLap       *string `json:"lastLapTime"`
	BestLap       *string `json:"bestLapTime"`
	CompletedLaps int     `json:"completedLaps"`
	Gap           *string `json:"gapToLeader"`
	Interval      *string `json:"intervalToAhead"`
	InPit         *bool   `json:"inPit"`
	Retired       *bool   `json:"retired"`
	Status        *string `json:"status"`
	UpdatedAt     string  `json:"updatedAt"`
}

// Update is one partial driver update. Nil fields leave the held value
// untouched. BestLapSet distinguishes an absent best lap from a null one:
// the best lap is only considered when the feed actually carried the field.
type Update struct {
	Name          string
	Position      *int
	LastLap       *string
	BestLap       *string
	BestLapSet    bool
	CompletedLaps *int
	Gap           *string
	Interval      *string
	InPit         *bool
	Retired       *bool
	Status        *string
}

// Table holds the driver records. A single writer merges updates; any
// number of readers may snapshot concurrently.
type Table struct {
	mu      sync.RWMutex
	drivers map[string]*Record

	// strictBestLap drops incoming best laps slower than the held one
	// instead of trusting the feed's own monotonicity.
	strictBestLap bool
}

// NewTable returns an empty table.
func NewTable(strictBestLap bool) *Table {
	return &Table{
		drivers:       make(map[string]*Record),
		strictBestLap: strictBestLap,
	}
}

// SetName records a driver's display name, inserting the driver if needed.
func (t *Table) SetName(number, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.ensure(number)
	if name != "" {
		r.Name = name
	}
}

// Merge applies one update for driver number at timestamp ts. Unknown
// drivers are inserted with a placeholder name.
func (t *Table) Merge(number string, u Update, ts string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.ensure(number)
	if u.Name != "" {
		r.Name = u.Name
	}
	if u.Position != nil {
		r.Position = u.Position
	}
	if u.LastLap != nil {
		r.LastLap = u.LastLap
	}
	if u.BestLapSet {
		if r.BestLap == nil || u.BestLap == nil || !t.strictBestLap ||
			lapLess(*u.BestLap, *r.BestLap) {
			r.BestLap = u.BestLap
		}
	}
	if u.CompletedLaps != nil && *u.CompletedLaps > r.CompletedLaps {
		r.CompletedLaps = *u.CompletedLaps
	}
	if u.Gap != nil {
		r.Gap = u.Gap
	}
	if u.Interval != nil {
		r.Interval = u.Interval
	}
	if u.InPit != nil {
		r.InPit = u.InPit
	}
	if u.Retired != nil {
		r.Retired = u.Retired
	}
	if u.Status != nil {
		r.Status = u.Status
	}
	r.UpdatedAt = ts
}

func (t *Table) ensure(number string) *Record {
	r, ok := t.drivers[number]
	if !ok {
		r = &Record{Number: number, Name: "#" + number}
		t.drivers[number] = r
	}
	return r
}

// Get returns a copy of one driver's record.
func (t *Table) Get(number string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.drivers[number]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Len reports the number of tracked drivers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.drivers)
}

// Standings returns copies of all records ordered by position ascending,
// with unset positions last, ties broken by numeric driver number.
func (t *Table) Standings() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.drivers))
	for _, r := range t.drivers {
		out = append(out, *r)
	}
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Position, out[j].Position
		switch {
		case pi != nil && pj != nil && *pi != *pj:
			return *pi < *pj
		case pi != nil && pj == nil:
			return true
		case pi == nil && pj != nil:
			return false
		}
		ni, _ := strconv.Atoi(out[i].Number)
		nj, _ := strconv.Atoi(out[j].Number)
		return ni < nj
	})
	return out
}

// Reset drops all records, typically on session change.
func (t *Table) Reset() {
	t.mu.Lock()
	t.drivers = make(map[string]*Record)
	t.mu.Unlock()
}

// lapLess compares "M:SS.sss" lap time strings. Lexicographic order matches
// numeric order for this fixed-width format.
func lapLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
