// Package initializer bootstraps metric state from scratch or from an
// externally provided path, producing a seeded factor graph for the main
// estimator.
package initializer

import (
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// PathEntry is one pose of an externally initialized path, with optional
// velocity and bias annotations.
type PathEntry struct {
	Stamp    time.Time
	Pose     spatialmath.Pose
	Velocity *r3.Vector
	GyroBias *r3.Vector
	AccBias  *r3.Vector
}

// Path is an ordered list of timed poses, e.g. from a lidar odometry used to
// seed visual-inertial initialization.
type Path struct {
	// Frame names the sensor frame the path poses are expressed in; empty
	// means baselink.
	Frame   string
	Entries []PathEntry
}

// sorted returns the entries ordered by stamp.
func (p *Path) sorted() []PathEntry {
	out := append([]PathEntry(nil), p.Entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// Length returns the cumulative translation along the path in meters.
func (p *Path) Length() float64 {
	entries := p.sorted()
	total := 0.0
	for i := 1; i < len(entries); i++ {
		total += entries[i].Pose.Point().Sub(entries[i-1].Pose.Point()).Norm()
	}
	return total
}

// PoseAt interpolates the path at the given stamp: linear on position, slerp
// on orientation between the bracketing entries. Stamps outside the path's
// span fail with ErrNotReady.
func (p *Path) PoseAt(stamp time.Time) (spatialmath.Pose, error) {
	entries := p.sorted()
	if len(entries) == 0 {
		return nil, errors.Wrap(utils.ErrNotReady, "empty path")
	}
	if stamp.Before(entries[0].Stamp) || stamp.After(entries[len(entries)-1].Stamp) {
		return nil, errors.Wrapf(utils.ErrNotReady, "stamp %v outside path span", stamp)
	}
	idx := sort.Search(len(entries), func(i int) bool { return !entries[i].Stamp.Before(stamp) })
	if entries[idx].Stamp.Equal(stamp) {
		return entries[idx].Pose, nil
	}
	lo, hi := entries[idx-1], entries[idx]
	span := hi.Stamp.Sub(lo.Stamp).Seconds()
	if span <= 0 {
		return lo.Pose, nil
	}
	by := stamp.Sub(lo.Stamp).Seconds() / span
	return spatialmath.Interpolate(lo.Pose, hi.Pose, by), nil
}
