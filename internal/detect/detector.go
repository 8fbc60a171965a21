// Package detect keeps the previous cycle's availability snapshot and
// computes what changed. The detector is owned exclusively by the monitor
// loop; it is not safe for concurrent use and does not need to be.
package detect

import (
	"fmt"
	"sort"
)

// Key identifies one scraped grid: a course on a date.
type Key struct {
	CourseKey string
	Date      string
}

// String renders the key for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CourseKey, k.Date)
}

// Snapshot is the availability of one grid: tee-time → seats.
type Snapshot map[string]int

// SlotChange is a tee-time that appeared or disappeared.
type SlotChange struct {
	HHMM  string
	Seats int
}

// SeatIncrease is a tee-time whose seat count strictly grew.
type SeatIncrease struct {
	HHMM     string
	OldSeats int
	NewSeats int
}

// Delta describes what changed for one grid between two cycles.
type Delta struct {
	Added     []SlotChange
	Removed   []SlotChange
	Increased []SeatIncrease
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Increased) == 0
}

// Detector holds the previous and current snapshot pair.
type Detector struct {
	previous map[Key]Snapshot
	current  map[Key]Snapshot
	primed   bool // false until the first Commit
}

// New builds an empty detector.
func New() *Detector {
	return &Detector{
		previous: make(map[Key]Snapshot),
		current:  make(map[Key]Snapshot),
	}
}

// Ingest records the current cycle's availability for one grid.
// Ingesting the same key twice within a cycle replaces the earlier data.
func (d *Detector) Ingest(courseKey, date string, times map[string]int) {
	snap := make(Snapshot, len(times))
	for hhmm, seats := range times {
		snap[hhmm] = seats
	}
	d.current[Key{CourseKey: courseKey, Date: date}] = snap
}

// Diff compares current against previous. On the very first cycle there
// is no baseline, so the diff is empty rather than "everything is new".
// Only ingested grids are compared: a grid whose fetch failed this cycle
// was never ingested and contributes nothing, neither additions nor a
// spurious full removal. A successful parse of an empty grid is ingested
// as an empty snapshot and does report its slots as removed.
func (d *Detector) Diff() map[Key]Delta {
	out := make(map[Key]Delta)
	if !d.primed {
		return out
	}

	for key, cur := range d.current {
		prev := d.previous[key]
		delta := diffSnapshots(prev, cur)
		if !delta.Empty() {
			out[key] = delta
		}
	}

	return out
}

// Commit folds current into previous and starts a fresh cycle. Keys not
// ingested this cycle keep their previous snapshot, so a failed fetch
// does not reset the baseline and the next successful scrape diffs
// against the last real observation.
func (d *Detector) Commit() {
	for key, snap := range d.current {
		d.previous[key] = snap
	}
	d.current = make(map[Key]Snapshot)
	d.primed = true
}

func diffSnapshots(prev, cur Snapshot) Delta {
	var delta Delta

	for hhmm, seats := range cur {
		old, existed := prev[hhmm]
		switch {
		case !existed:
			delta.Added = append(delta.Added, SlotChange{HHMM: hhmm, Seats: seats})
		case seats > old:
			delta.Increased = append(delta.Increased, SeatIncrease{HHMM: hhmm, OldSeats: old, NewSeats: seats})
		}
	}
	for hhmm, seats := range prev {
		if _, ok := cur[hhmm]; !ok {
			delta.Removed = append(delta.Removed, SlotChange{HHMM: hhmm, Seats: seats})
		}
	}

	sort.Slice(delta.Added, func(i, j int) bool { return delta.Added[i].HHMM < delta.Added[j].HHMM })
	sort.Slice(delta.Removed, func(i, j int) bool { return delta.Removed[i].HHMM < delta.Removed[j].HHMM })
	sort.Slice(delta.Increased, func(i, j int) bool { return delta.Increased[i].HHMM < delta.Increased[j].HHMM })

	return delta
}
