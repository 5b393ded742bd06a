package imu

import (
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

func testParams() Params {
	return Params{
		Noise: NoiseParams{
			GyroNoise:      1e-4,
			AccelNoise:     1e-3,
			GyroBiasNoise:  1e-6,
			AccelBiasNoise: 1e-5,
		},
		PriorNoise: 1e-3,
		Gravity:    r3.Vector{Z: -9.81},
	}
}

func stampAt(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

// pushConstant feeds n samples at the given rate with constant measurements,
// starting one period after start.
func pushConstant(t *testing.T, pi *Preintegrator, start time.Time, n int, hz float64, w, a r3.Vector) {
	t.Helper()
	period := time.Duration(float64(time.Second) / hz)
	for i := 1; i <= n; i++ {
		err := pi.PushSample(start.Add(time.Duration(i)*period), w, a)
		test.That(t, err, test.ShouldBeNil)
	}
}

// Straight-line scenario: zero rotation, 1 m/s^2 forward plus gravity
// compensation for one second from rest.
func TestStraightLinePreintegration(t *testing.T) {
	logger := golog.NewTestLogger(t)
	pi, err := NewPreintegrator(testParams(), logger)
	test.That(t, err, test.ShouldBeNil)

	start := stampAt(0)
	pi.SetStart(start, nil, nil, nil)
	pushConstant(t, pi, start, 100, 100, r3.Vector{}, r3.Vector{X: 1, Z: 9.81})

	tx, err := pi.RegisterPreintegratedFactor(stampAt(1), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tx.Empty(), test.ShouldBeFalse)

	state := pi.AnchorState()
	test.That(t, state.Position.X, test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, state.Position.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, state.Position.Z, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, state.Velocity.X, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, state.Velocity.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, state.Velocity.Z, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, spatialmath.QuaternionAlmostEqual(state.Orientation, quat.Number{Real: 1}, 1e-9), test.ShouldBeTrue)

	// the first interval carries a prior on state i plus the relative factor
	priorSeen := false
	relativeSeen := false
	for _, c := range tx.Constraints() {
		if _, ok := c.(graph.PreintegratedConstraint); ok {
			relativeSeen = true
		} else {
			priorSeen = true
		}
	}
	test.That(t, priorSeen, test.ShouldBeTrue)
	test.That(t, relativeSeen, test.ShouldBeTrue)
}

// Registering a factor and immediately predicting at the same stamp must
// return the committed state.
func TestRegisterThenPredictConsistency(t *testing.T) {
	logger := golog.NewTestLogger(t)
	pi, err := NewPreintegrator(testParams(), logger)
	test.That(t, err, test.ShouldBeNil)

	start := stampAt(0)
	pi.SetStart(start, nil, nil, nil)
	pushConstant(t, pi, start, 100, 100, r3.Vector{Z: 0.2}, r3.Vector{X: 0.5, Z: 9.81})

	end := stampAt(1)
	_, err = pi.RegisterPreintegratedFactor(end, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	committed := pi.AnchorState()

	predicted, err := pi.PredictPose(end)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostCoincident(predicted, committed.Pose(), 1e-9, 1e-9), test.ShouldBeTrue)
}

// Small bias perturbations corrected through the stored Jacobians must stay
// close to a fresh re-integration under the perturbed biases.
func TestBiasJacobianCorrection(t *testing.T) {
	logger := golog.NewTestLogger(t)

	integrateWith := func(bg, ba r3.Vector) *graph.PreintegratedDelta {
		pi, err := NewPreintegratorWithBiases(testParams(), bg, ba, logger)
		test.That(t, err, test.ShouldBeNil)
		start := stampAt(0)
		pi.SetStart(start, nil, nil, nil)
		pushConstant(t, pi, start, 100, 100, r3.Vector{X: 0.3, Z: 0.1}, r3.Vector{X: 1, Y: -0.5, Z: 9.81})
		tx, err := pi.RegisterPreintegratedFactor(stampAt(1), nil, nil)
		test.That(t, err, test.ShouldBeNil)
		for _, c := range tx.Constraints() {
			if pc, ok := c.(graph.PreintegratedConstraint); ok {
				return pc.Delta()
			}
		}
		t.Fatal("no preintegrated constraint in transaction")
		return nil
	}

	base := integrateWith(r3.Vector{}, r3.Vector{})
	dbg := r3.Vector{X: 0.002, Y: -0.001, Z: 0.0015}
	dba := r3.Vector{X: 0.01, Y: 0.005, Z: -0.008}
	fresh := integrateWith(dbg, dba)

	// correct the baseline delta through the Jacobians
	correctedQ := quat.Mul(base.DeltaQ, spatialmath.RotVecToQuat(spatialmath.MulMatVec(base.JRotBg, dbg)))
	correctedV := base.DeltaV.
		Add(spatialmath.MulMatVec(base.JVelBg, dbg)).
		Add(spatialmath.MulMatVec(base.JVelBa, dba))
	correctedP := base.DeltaP.
		Add(spatialmath.MulMatVec(base.JPosBg, dbg)).
		Add(spatialmath.MulMatVec(base.JPosBa, dba))

	rotErr := spatialmath.QuatToRotVec(quat.Mul(quat.Conj(fresh.DeltaQ), correctedQ)).Norm()
	test.That(t, rotErr, test.ShouldBeLessThan, 1e-3)
	test.That(t, correctedV.Sub(fresh.DeltaV).Norm(), test.ShouldBeLessThan, 1e-2)
	test.That(t, correctedP.Sub(fresh.DeltaP).Norm(), test.ShouldBeLessThan, 1e-2)
}

// The inertial information weight scales the constraint covariance by 1/w².
func TestInfoWeightScalesCovariance(t *testing.T) {
	logger := golog.NewTestLogger(t)

	deltaWithWeight := func(w float64) *graph.PreintegratedDelta {
		params := testParams()
		params.InfoWeight = w
		pi, err := NewPreintegrator(params, logger)
		test.That(t, err, test.ShouldBeNil)
		start := stampAt(0)
		pi.SetStart(start, nil, nil, nil)
		pushConstant(t, pi, start, 100, 100, r3.Vector{Z: 0.1}, r3.Vector{X: 1, Z: 9.81})
		tx, err := pi.RegisterPreintegratedFactor(stampAt(1), nil, nil)
		test.That(t, err, test.ShouldBeNil)
		for _, c := range tx.Constraints() {
			if pc, ok := c.(graph.PreintegratedConstraint); ok {
				return pc.Delta()
			}
		}
		t.Fatal("no preintegrated constraint in transaction")
		return nil
	}

	unweighted := deltaWithWeight(1)
	weighted := deltaWithWeight(2)
	for i := 0; i < 15; i++ {
		test.That(t, weighted.Cov.At(i, i), test.ShouldAlmostEqual, unweighted.Cov.At(i, i)/4, 1e-18)
	}
}

func TestOutOfOrderSampleDropped(t *testing.T) {
	logger := golog.NewTestLogger(t)
	pi, err := NewPreintegrator(testParams(), logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, pi.PushSample(stampAt(0.10), r3.Vector{}, r3.Vector{}), test.ShouldBeNil)
	err = pi.PushSample(stampAt(0.05), r3.Vector{}, r3.Vector{})
	test.That(t, errors.Is(err, utils.ErrOutOfOrder), test.ShouldBeTrue)
	test.That(t, pi.OutOfOrderDrops.Load(), test.ShouldEqual, 1)

	// the stream continues after a drop
	test.That(t, pi.PushSample(stampAt(0.20), r3.Vector{}, r3.Vector{}), test.ShouldBeNil)
}

func TestPredictBeforeAnchorNotReady(t *testing.T) {
	logger := golog.NewTestLogger(t)
	pi, err := NewPreintegrator(testParams(), logger)
	test.That(t, err, test.ShouldBeNil)

	_, err = pi.PredictPose(stampAt(1))
	test.That(t, errors.Is(err, utils.ErrNotReady), test.ShouldBeTrue)

	pi.SetStart(stampAt(1), nil, nil, nil)
	_, err = pi.PredictPose(stampAt(0.5))
	test.That(t, errors.Is(err, utils.ErrNotReady), test.ShouldBeTrue)
}

func TestEmptyIntervalYieldsEmptyTransaction(t *testing.T) {
	logger := golog.NewTestLogger(t)
	pi, err := NewPreintegrator(testParams(), logger)
	test.That(t, err, test.ShouldBeNil)

	pi.SetStart(stampAt(1), nil, nil, nil)
	tx, err := pi.RegisterPreintegratedFactor(stampAt(0.5), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tx.Empty(), test.ShouldBeTrue)

	tx, err = pi.RegisterPreintegratedFactor(stampAt(2), nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tx.Empty(), test.ShouldBeTrue)
}

func TestInvalidPriorNoiseRejected(t *testing.T) {
	logger := golog.NewTestLogger(t)
	params := testParams()
	params.PriorNoise = 0
	_, err := NewPreintegrator(params, logger)
	test.That(t, errors.Is(err, utils.ErrConfigInvalid), test.ShouldBeTrue)
}
