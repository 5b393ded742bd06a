package graph

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/helixrobotics/helixslam/spatialmath"
)

func stampAt(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

func poseVars(tx *Transaction, stamp time.Time, pose spatialmath.Pose) {
	tx.AddVariable(NewOrientationVariable(stamp, pose.Orientation().Quaternion()))
	tx.AddVariable(NewPositionVariable(stamp, pose.Point()))
}

func graphPose(t *testing.T, g *MemoryGraph, stamp time.Time) spatialmath.Pose {
	t.Helper()
	qv, ok := g.Variable(StampedID(TypeOrientation, stamp))
	test.That(t, ok, test.ShouldBeTrue)
	pv, ok := g.Variable(StampedID(TypePosition, stamp))
	test.That(t, ok, test.ShouldBeTrue)
	return spatialmath.NewPose(pv.Vector(), spatialmath.NewOrientationFromQuaternion(qv.Quaternion()))
}

func TestApplyIdempotence(t *testing.T) {
	logger := golog.NewTestLogger(t)
	stamp := stampAt(1)
	pose := spatialmath.NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, &spatialmath.EulerAngles{Yaw: 0.5})

	tx := NewTransaction(stamp)
	poseVars(tx, stamp, pose)
	tx.AddConstraint(NewPosePrior("test", stamp, pose, ScaledIdentityCovariance(6, 0.1)))

	g1 := NewMemoryGraph(logger)
	test.That(t, g1.Apply(tx), test.ShouldBeNil)

	// second application with override flags must replace, not duplicate
	tx.OverrideVariables = true
	tx.OverrideConstraints = true
	g2 := NewMemoryGraph(logger)
	test.That(t, g2.Apply(tx), test.ShouldBeNil)
	test.That(t, g2.Apply(tx), test.ShouldBeNil)

	test.That(t, len(g2.Variables()), test.ShouldEqual, len(g1.Variables()))
	test.That(t, len(g2.Constraints()), test.ShouldEqual, len(g1.Constraints()))
	for _, v1 := range g1.Variables() {
		v2, ok := g2.Variable(v1.ID())
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v2.Values, test.ShouldResemble, v1.Values)
	}
}

func TestApplyKeepsIncumbentWithoutOverride(t *testing.T) {
	logger := golog.NewTestLogger(t)
	stamp := stampAt(1)
	g := NewMemoryGraph(logger)

	tx1 := NewTransaction(stamp)
	tx1.AddVariable(NewPositionVariable(stamp, r3.Vector{X: 1}))
	test.That(t, g.Apply(tx1), test.ShouldBeNil)

	tx2 := NewTransaction(stamp)
	tx2.AddVariable(NewPositionVariable(stamp, r3.Vector{X: 9}))
	test.That(t, g.Apply(tx2), test.ShouldBeNil)
	v, _ := g.Variable(StampedID(TypePosition, stamp))
	test.That(t, v.Values[0], test.ShouldEqual, 1)

	tx2.OverrideVariables = true
	test.That(t, g.Apply(tx2), test.ShouldBeNil)
	v, _ = g.Variable(StampedID(TypePosition, stamp))
	test.That(t, v.Values[0], test.ShouldEqual, 9)
}

// Two scans at known poses: a prior pins the first, a relative constraint
// carries the true transform, and the second scan's perturbed pose must be
// recovered to within 1mm / 0.03deg.
func TestTwoPosePerturbationRecovery(t *testing.T) {
	logger := golog.NewTestLogger(t)
	s1 := stampAt(1)
	s2 := stampAt(2)

	pose1 := spatialmath.NewZeroPose()
	truth2 := spatialmath.NewPose(r3.Vector{X: 1, Y: 0.5, Z: 0}, &spatialmath.EulerAngles{Yaw: 0.3})
	t12 := spatialmath.PoseBetween(pose1, truth2)

	// perturb the stored second pose by 5 degrees and 5 cm
	perturbed2 := spatialmath.Compose(truth2, spatialmath.NewPose(
		r3.Vector{X: 0.05, Y: 0, Z: 0},
		&spatialmath.EulerAngles{Yaw: 5 * math.Pi / 180},
	))

	g := NewMemoryGraph(logger)
	tx := NewTransaction(s2)
	poseVars(tx, s1, pose1)
	poseVars(tx, s2, perturbed2)
	tx.AddConstraint(NewPosePrior("test", s1, pose1, ScaledIdentityCovariance(6, 1e-4)))
	tx.AddConstraint(NewRelativePose("test", s1, s2, t12, ScaledIdentityCovariance(6, 1e-3)))
	test.That(t, g.Apply(tx), test.ShouldBeNil)
	test.That(t, g.Optimize(context.Background()), test.ShouldBeNil)

	recovered := graphPose(t, g, s2)
	dt, dr := spatialmath.PoseDelta(truth2, recovered)
	test.That(t, dt, test.ShouldBeLessThan, 1e-3)
	test.That(t, dr, test.ShouldBeLessThan, 0.03*math.Pi/180)
}

// Three scans with perturbed initial poses and a full set of pairwise
// relative constraints optimize back to ground truth.
func TestThreePoseChainRecovery(t *testing.T) {
	logger := golog.NewTestLogger(t)
	stamps := []time.Time{stampAt(1), stampAt(2), stampAt(3)}
	truths := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(r3.Vector{X: 1}, &spatialmath.EulerAngles{Yaw: 0.1}),
		spatialmath.NewPose(r3.Vector{X: 2, Y: 0.3}, &spatialmath.EulerAngles{Yaw: 0.25}),
	}
	perturbs := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPose(r3.Vector{X: 0.04, Y: -0.03}, &spatialmath.EulerAngles{Yaw: 0.05}),
		spatialmath.NewPose(r3.Vector{X: -0.02, Y: 0.05}, &spatialmath.EulerAngles{Yaw: -0.06}),
	}

	g := NewMemoryGraph(logger)
	tx := NewTransaction(stamps[2])
	for i := range stamps {
		poseVars(tx, stamps[i], spatialmath.Compose(truths[i], perturbs[i]))
	}
	tx.AddConstraint(NewPosePrior("test", stamps[0], truths[0], ScaledIdentityCovariance(6, 1e-4)))
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			rel := spatialmath.PoseBetween(truths[i], truths[j])
			tx.AddConstraint(NewRelativePose("test", stamps[i], stamps[j], rel, ScaledIdentityCovariance(6, 1e-3)))
		}
	}
	test.That(t, g.Apply(tx), test.ShouldBeNil)
	test.That(t, g.Optimize(context.Background()), test.ShouldBeNil)

	for i := range stamps {
		dt, dr := spatialmath.PoseDelta(truths[i], graphPose(t, g, stamps[i]))
		test.That(t, dt, test.ShouldBeLessThan, 1e-3)
		test.That(t, dr, test.ShouldBeLessThan, 0.03*math.Pi/180)
	}
}

func TestEmptyTransactionIsNoOp(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := NewMemoryGraph(logger)
	tx := NewTransaction(stampAt(1))
	test.That(t, tx.Empty(), test.ShouldBeTrue)
	test.That(t, g.Apply(tx), test.ShouldBeNil)
	test.That(t, len(g.Variables()), test.ShouldEqual, 0)
}
