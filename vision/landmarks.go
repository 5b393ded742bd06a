package vision

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Landmark is one world-space feature point and the keyframes observing it.
type Landmark struct {
	ID           uint64
	Position     r3.Vector
	Triangulated bool
	// observations maps keyframe stamp to the pixel measurement.
	observations map[time.Time]r2.Point
}

// ObservingStamps returns the keyframe stamps observing the landmark, sorted.
func (l *Landmark) ObservingStamps() []time.Time {
	out := make([]time.Time, 0, len(l.observations))
	for stamp := range l.observations {
		out = append(out, stamp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ObservationAt returns the pixel measurement at a keyframe stamp.
func (l *Landmark) ObservationAt(stamp time.Time) (r2.Point, bool) {
	px, ok := l.observations[stamp]
	return px, ok
}

// LandmarkTable is the id-keyed global landmark store. The estimator is its
// single writer after optimization; front-ends read snapshots.
type LandmarkTable struct {
	mu        sync.RWMutex
	landmarks map[uint64]*Landmark
}

// NewLandmarkTable creates an empty table.
func NewLandmarkTable() *LandmarkTable {
	return &LandmarkTable{landmarks: map[uint64]*Landmark{}}
}

// Observe records a keyframe observation, creating the landmark lazily.
func (t *LandmarkTable) Observe(id uint64, stamp time.Time, px r2.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lm, ok := t.landmarks[id]
	if !ok {
		lm = &Landmark{ID: id, observations: map[time.Time]r2.Point{}}
		t.landmarks[id] = lm
	}
	lm.observations[stamp] = px
}

// Get returns the landmark with the given id.
func (t *LandmarkTable) Get(id uint64) (*Landmark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	lm, ok := t.landmarks[id]
	return lm, ok
}

// SetTriangulated marks a landmark as triangulated at the given position.
// Once triangulated the id is stable.
func (t *LandmarkTable) SetTriangulated(id uint64, p r3.Vector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lm, ok := t.landmarks[id]; ok {
		lm.Position = p
		lm.Triangulated = true
	}
}

// Prune removes landmarks whose observations all precede the horizon and
// returns how many were removed.
func (t *LandmarkTable) Prune(horizon time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, lm := range t.landmarks {
		stale := true
		for stamp := range lm.observations {
			if !stamp.Before(horizon) {
				stale = false
				break
			}
		}
		if stale {
			delete(t.landmarks, id)
			removed++
		}
	}
	return removed
}

// Size returns the number of landmarks in the table.
func (t *LandmarkTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.landmarks)
}
