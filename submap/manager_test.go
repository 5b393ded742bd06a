package submap

import (
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/spatialmath"
)

func stampAt(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

func managerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.SubmapSize = 10
	return cfg
}

// A straight 50m trajectory with submap_size 10 slices into exactly 5
// submaps anchored 10.5m apart.
func TestSubmapSlicing(t *testing.T) {
	m := NewManager(managerConfig(), golog.NewTestLogger(t))

	step := 0.5
	var transactions int
	for i := 0; float64(i)*step <= 50; i++ {
		pose := spatialmath.NewPoseFromPoint(r3.Vector{X: float64(i) * step})
		if tx := m.Update(stampAt(float64(i)), pose); tx != nil {
			transactions++
		}
	}

	test.That(t, len(m.Submaps()), test.ShouldEqual, 5)
	test.That(t, transactions, test.ShouldEqual, 5)
	// each anchor is the first keyframe more than 10m past the previous
	// anchor: 0, 10.5, 21, 31.5, 42
	for k, s := range m.Submaps() {
		anchorX := s.Anchor().Point().X
		test.That(t, anchorX, test.ShouldAlmostEqual, float64(k)*10.5, 1e-9)
	}
}

// The first submap's transaction carries a prior; later ones carry a
// relative constraint to the previous anchor.
func TestInitiateTransactions(t *testing.T) {
	m := NewManager(managerConfig(), golog.NewTestLogger(t))

	tx := m.Update(stampAt(0), spatialmath.NewZeroPose())
	test.That(t, tx, test.ShouldNotBeNil)
	test.That(t, len(tx.Variables()), test.ShouldEqual, 2)
	test.That(t, len(tx.Constraints()), test.ShouldEqual, 1)

	tx = m.Update(stampAt(1), spatialmath.NewPoseFromPoint(r3.Vector{X: 11}))
	test.That(t, tx, test.ShouldNotBeNil)
	test.That(t, len(tx.Constraints()), test.ShouldEqual, 1)
	// the relative constraint references both anchors
	test.That(t, len(tx.Constraints()[0].Variables()), test.ShouldEqual, 4)
}

// Measurement routing: assigned submap anchor within submap_size; previous
// submap preferred when both qualify.
func TestMeasurementRouting(t *testing.T) {
	m := NewManager(managerConfig(), golog.NewTestLogger(t))
	m.Update(stampAt(0), spatialmath.NewZeroPose())
	m.Update(stampAt(1), spatialmath.NewPoseFromPoint(r3.Vector{X: 11}))
	test.That(t, len(m.Submaps()), test.ShouldEqual, 2)

	// within both anchors: previous wins
	p := r3.Vector{X: 6}
	test.That(t, m.AddCameraMeasurement(1, p, r2.Point{X: 10, Y: 10}, 0), test.ShouldBeTrue)
	test.That(t, len(m.Submaps()[0].Keypoints()), test.ShouldEqual, 1)
	test.That(t, len(m.Submaps()[1].Keypoints()), test.ShouldEqual, 0)

	// only within the current anchor
	p = r3.Vector{X: 15}
	test.That(t, m.AddCameraMeasurement(2, p, r2.Point{X: 10, Y: 10}, 0), test.ShouldBeTrue)
	test.That(t, len(m.Submaps()[1].Keypoints()), test.ShouldEqual, 1)

	// out of range of both
	p = r3.Vector{X: 40}
	test.That(t, m.AddCameraMeasurement(3, p, r2.Point{X: 10, Y: 10}, 0), test.ShouldBeFalse)

	// invariant: every accepted measurement is within submap_size of its
	// submap's anchor
	for _, s := range m.Submaps() {
		for _, kp := range s.Keypoints() {
			local := r3.Vector{X: kp.Position[0], Y: kp.Position[1], Z: kp.Position[2]}
			world := spatialmath.TransformPoint(s.Anchor(), local)
			test.That(t, s.DistanceTo(world), test.ShouldBeLessThanOrEqualTo, 10.0)
		}
	}
}
