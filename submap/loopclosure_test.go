package submap

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
)

// environment returns a fixed world point set around the origin.
func environment() pointcloud.PointCloud {
	rnd := rand.New(rand.NewSource(21)) //nolint:gosec
	cloud := pointcloud.New()
	for x := 0; x < 5; x++ {
		for y := 0; y < 5; y++ {
			for z := 0; z < 2; z++ {
				//nolint:errcheck
				cloud.Set(r3.Vector{
					X: float64(x) + 0.15*rnd.Float64(),
					Y: float64(y) + 0.15*rnd.Float64(),
					Z: float64(z) + 0.15*rnd.Float64(),
				}, nil)
			}
		}
	}
	return cloud
}

func loopConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.SubmapSize = 10
	cfg.OutlierThresholdT = 1
	cfg.OutlierThresholdR = 0.5
	return cfg
}

// submapAt creates a submap observing the environment from the given anchor.
func submapAt(t *testing.T, index int, sec float64, anchor spatialmath.Pose, env pointcloud.PointCloud) *Submap {
	t.Helper()
	s := NewSubmap(index, stampAt(sec), anchor)
	test.That(t, s.AddLidar(env), test.ShouldBeNil)
	return s
}

// A 50m trajectory returning to the origin: the final submap closes against
// the first one, with a refined transform near identity, and never against
// its immediate neighbors.
func TestLoopClosureAtOrigin(t *testing.T) {
	logger := golog.NewTestLogger(t)
	env := environment()

	// anchors out and back; the final one sits near the first with a small
	// accumulated drift
	drift := spatialmath.NewPose(
		r3.Vector{X: 0.15, Y: -0.1},
		&spatialmath.EulerAngles{Yaw: 2 * math.Pi / 180},
	)
	anchors := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 12}),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 24}),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 12, Y: 1}),
		drift,
	}
	submaps := make([]*Submap, len(anchors))
	for i, a := range anchors {
		submaps[i] = submapAt(t, i, float64(i), a, pointcloud.ApplyPose(env, a))
	}

	engine, err := NewEngine(loopConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	tx := engine.OnSubmapCompleted(context.Background(), submaps, 4)
	test.That(t, tx, test.ShouldNotBeNil)
	test.That(t, len(tx.Constraints()), test.ShouldEqual, 1)

	// the constraint links the final and first anchors
	vars := tx.Constraints()[0].Variables()
	test.That(t, len(vars), test.ShouldEqual, 4)

	// re-running never duplicates the (match, query) pair
	test.That(t, engine.OnSubmapCompleted(context.Background(), submaps, 4), test.ShouldBeNil)
}

// Loop closure never emits a constraint between submaps with indices
// differing by one or less.
func TestLoopClosureSkipsAdjacent(t *testing.T) {
	logger := golog.NewTestLogger(t)
	env := environment()

	anchors := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPoseFromPoint(r3.Vector{X: 1}),
	}
	submaps := make([]*Submap, len(anchors))
	for i, a := range anchors {
		submaps[i] = submapAt(t, i, float64(i), a, pointcloud.ApplyPose(env, a))
	}

	engine, err := NewEngine(loopConfig(), logger)
	test.That(t, err, test.ShouldBeNil)

	// every candidate is the query itself or adjacent: nothing closes
	test.That(t, engine.OnSubmapCompleted(context.Background(), submaps, 1), test.ShouldBeNil)
	test.That(t, engine.OnSubmapCompleted(context.Background(), submaps, 0), test.ShouldBeNil)
}

// The refined loop transform recovers the drift to within 5cm / 1 degree.
func TestLoopRefinementAccuracy(t *testing.T) {
	env := environment()

	truth0 := spatialmath.NewZeroPose()
	// the query truly sits at the origin but its drifted anchor disagrees
	driftedAnchor := spatialmath.NewPose(
		r3.Vector{X: 0.2, Y: -0.15},
		&spatialmath.EulerAngles{Yaw: 3 * math.Pi / 180},
	)

	match := submapAt(t, 0, 0, truth0, env)
	query := NewSubmap(4, stampAt(4), driftedAnchor)
	// the query's cloud is what it actually saw: the environment from the
	// true (identity) pose
	test.That(t, pointcloud.MergeInto(query.lidar, env, spatialmath.NewZeroPose()), test.ShouldBeNil)

	cfg := loopConfig()
	refiner, err := NewRefiner(cfg)
	test.That(t, err, test.ShouldBeNil)

	init := spatialmath.PoseBetween(match.Anchor(), query.Anchor())
	refined, err := refiner.Refine(context.Background(), match, query, init)
	test.That(t, err, test.ShouldBeNil)

	// true relative pose between the anchors' frames given both clouds are
	// the same world points: identity
	dt, dr := spatialmath.PoseDelta(spatialmath.NewZeroPose(), refined)
	test.That(t, dt, test.ShouldBeLessThan, 0.05)
	test.That(t, dr, test.ShouldBeLessThan, math.Pi/180)
}
