package vision

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/utils"
)

// Image is a raw camera frame.
type Image struct {
	Stamp    time.Time
	Width    int
	Height   int
	Encoding string
	Pixels   []byte
}

// Observation is one feature track's measurement in one frame.
type Observation struct {
	LandmarkID uint64
	Pixel      r2.Point
	// WordID optionally carries the vocabulary word of the descriptor.
	WordID uint32
}

// FeatureTracker is the external feature-tracking collaborator: it advances
// per-frame and reports which tracks are visible where.
type FeatureTracker interface {
	// AddImage advances the tracker to the new frame.
	AddImage(img Image) error
	// Observations returns the tracks visible at the given stamp.
	Observations(stamp time.Time) []Observation
}

// ScriptedTracker is a deterministic FeatureTracker fed with precomputed
// tracks, used by tests and offline replay.
type ScriptedTracker struct {
	mu     sync.Mutex
	frames map[time.Time][]Observation
	stamps []time.Time
}

// NewScriptedTracker creates an empty scripted tracker.
func NewScriptedTracker() *ScriptedTracker {
	return &ScriptedTracker{frames: map[time.Time][]Observation{}}
}

// Script registers the observations the tracker will report for a stamp.
func (t *ScriptedTracker) Script(stamp time.Time, obs []Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frames[stamp]; !ok {
		t.stamps = append(t.stamps, stamp)
		sort.Slice(t.stamps, func(i, j int) bool { return t.stamps[i].Before(t.stamps[j]) })
	}
	t.frames[stamp] = obs
}

// AddImage accepts any frame whose stamp was scripted.
func (t *ScriptedTracker) AddImage(img Image) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.frames[img.Stamp]; !ok {
		return errors.Wrapf(utils.ErrNotReady, "no scripted tracks for %v", img.Stamp)
	}
	return nil
}

// Observations returns the scripted tracks at the stamp.
func (t *ScriptedTracker) Observations(stamp time.Time) []Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames[stamp]
}
