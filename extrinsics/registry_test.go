package extrinsics

import (
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

func TestGetReturnsCopy(t *testing.T) {
	r := NewRegistry("baselink")
	r.Set("lidar", spatialmath.NewPoseFromPoint(r3.Vector{X: 0.3}))

	a, err := r.Get("lidar")
	test.That(t, err, test.ShouldBeNil)
	b, err := r.Get("lidar")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a, test.ShouldNotEqual, b) // distinct copies
	test.That(t, spatialmath.PoseAlmostEqual(a, b), test.ShouldBeTrue)
}

func TestMissingFrame(t *testing.T) {
	r := NewRegistry("baselink")
	_, err := r.Get("camera")
	test.That(t, errors.Is(err, utils.ErrExtrinsicsMissing), test.ShouldBeTrue)
}

func TestBaselinkIsIdentity(t *testing.T) {
	r := NewRegistry("baselink")
	p, err := r.Get("baselink")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(p, spatialmath.NewZeroPose()), test.ShouldBeTrue)
}

func TestBetween(t *testing.T) {
	r := NewRegistry("baselink")
	r.Set("lidar", spatialmath.NewPoseFromPoint(r3.Vector{X: 1}))
	r.Set("camera", spatialmath.NewPoseFromPoint(r3.Vector{X: 1, Y: 2}))

	rel, err := r.Between("lidar", "camera")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rel.Point().X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, rel.Point().Y, test.ShouldAlmostEqual, 2, 1e-12)
}

type staticSource struct {
	pose spatialmath.Pose
}

func (s *staticSource) Lookup(parent, child string) (spatialmath.Pose, error) {
	if s.pose == nil {
		return nil, errors.New("unavailable")
	}
	return s.pose, nil
}

func TestDynamicRefresh(t *testing.T) {
	src := &staticSource{pose: spatialmath.NewPoseFromPoint(r3.Vector{X: 1})}
	r := NewDynamicRegistry("baselink", src)

	p, err := r.Get("lidar")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Point().X, test.ShouldEqual, 1)

	// source failure falls back to the cached value
	src.pose = nil
	p, err = r.Get("lidar")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Point().X, test.ShouldEqual, 1)
}

func TestFileRoundTrip(t *testing.T) {
	r := NewRegistry("baselink")
	r.Set("lidar", spatialmath.NewPose(r3.Vector{X: 0.3, Z: 0.1}, &spatialmath.EulerAngles{Yaw: 0.2}))
	r.Set("camera", spatialmath.NewPoseFromPoint(r3.Vector{Y: -0.05}))

	path := filepath.Join(t.TempDir(), "extrinsics.json")
	test.That(t, r.SaveToFile(path), test.ShouldBeNil)

	loaded, err := LoadFromFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Baselink(), test.ShouldEqual, "baselink")
	for _, frame := range []string{"lidar", "camera"} {
		a, err := r.Get(frame)
		test.That(t, err, test.ShouldBeNil)
		b, err := loaded.Get(frame)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, spatialmath.PoseAlmostCoincident(a, b, 1e-9, 1e-9), test.ShouldBeTrue)
	}
}
