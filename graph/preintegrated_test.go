package graph

import (
	"math/rand"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

func randVec(rnd *rand.Rand, scale float64) r3.Vector {
	return r3.Vector{
		X: (rnd.Float64() - 0.5) * 2 * scale,
		Y: (rnd.Float64() - 0.5) * 2 * scale,
		Z: (rnd.Float64() - 0.5) * 2 * scale,
	}
}

func randRotation(rnd *rand.Rand, scale float64) *mat.Dense {
	return spatialmath.QuatToDense(spatialmath.RotVecToQuat(randVec(rnd, scale)))
}

func randDelta(rnd *rand.Rand) *PreintegratedDelta {
	cov := mat.NewSymDense(15, nil)
	for i := 0; i < 15; i++ {
		cov.SetSym(i, i, 1e-4)
	}
	jr := mat.NewDense(3, 3, nil)
	jr.Scale(-0.5, randRotation(rnd, 0.2))
	return &PreintegratedDelta{
		Dt:     500 * time.Millisecond,
		DeltaQ: spatialmath.RotVecToQuat(randVec(rnd, 0.3)),
		DeltaV: randVec(rnd, 1),
		DeltaP: randVec(rnd, 0.5),
		Cov:    cov,
		JRotBg: jr,
		JVelBg: scaleDense(0.3, randRotation(rnd, 0.1)),
		JVelBa: scaleDense(-0.5, randRotation(rnd, 0.1)),
		JPosBg: scaleDense(0.1, randRotation(rnd, 0.1)),
		JPosBa: scaleDense(-0.2, randRotation(rnd, 0.1)),
		Bg:     randVec(rnd, 0.01),
		Ba:     randVec(rnd, 0.05),
	}
}

func randImuVariables(rnd *rand.Rand, stampI, stampJ time.Time) map[string]*Variable {
	vars := map[string]*Variable{}
	for _, s := range []time.Time{stampI, stampJ} {
		vars["q"+s.String()] = NewOrientationVariable(s, spatialmath.RotVecToQuat(randVec(rnd, 1)))
		vars["p"+s.String()] = NewPositionVariable(s, randVec(rnd, 3))
		vars["v"+s.String()] = NewVelocityVariable(s, randVec(rnd, 1))
		vars["bg"+s.String()] = NewGyroBiasVariable(s, randVec(rnd, 0.02))
		vars["ba"+s.String()] = NewAccelBiasVariable(s, randVec(rnd, 0.1))
	}
	return vars
}

// The analytic Jacobians of the preintegrated constraint must agree with
// central-difference numerical differentiation on random inputs.
func TestPreintegratedJacobiansMatchNumeric(t *testing.T) {
	rnd := rand.New(rand.NewSource(3)) //nolint:gosec
	gravity := r3.Vector{Z: -9.81}

	for trial := 0; trial < 5; trial++ {
		stampI := stampAt(float64(trial))
		stampJ := stampAt(float64(trial) + 0.5)
		c := NewPreintegrated("test", stampI, stampJ, randDelta(rnd), gravity)

		byID := map[string]*Variable{}
		for _, v := range randImuVariables(rnd, stampI, stampJ) {
			byID[v.ID().String()] = v
		}
		getter := func(id uuid.UUID) *Variable { return byID[id.String()] }

		analytic, err := c.(AnalyticJacobians).Jacobians(getter)
		test.That(t, err, test.ShouldBeNil)
		numeric, err := NumericJacobians(c, getter, 1e-8)
		test.That(t, err, test.ShouldBeNil)

		test.That(t, len(analytic), test.ShouldEqual, len(numeric))
		for vi := range analytic {
			ar, ac := analytic[vi].Dims()
			nr, nc := numeric[vi].Dims()
			test.That(t, ar, test.ShouldEqual, nr)
			test.That(t, ac, test.ShouldEqual, nc)
			for i := 0; i < ar; i++ {
				for j := 0; j < ac; j++ {
					test.That(t, analytic[vi].At(i, j), test.ShouldAlmostEqual, numeric[vi].At(i, j), 1e-6)
				}
			}
		}
	}
}

// A state pair consistent with the delta under zero bias change must produce
// a zero residual.
func TestPreintegratedZeroResidualOnConsistentStates(t *testing.T) {
	rnd := rand.New(rand.NewSource(9)) //nolint:gosec
	gravity := r3.Vector{Z: -9.81}
	stampI := stampAt(0)
	stampJ := stampAt(0.5)
	d := randDelta(rnd)
	dt := d.Dt.Seconds()

	qi := spatialmath.RotVecToQuat(randVec(rnd, 1))
	pi := randVec(rnd, 2)
	vi := randVec(rnd, 1)

	qj := spatialmath.Normalize(quat.Mul(qi, d.DeltaQ))
	vj := vi.Add(gravity.Mul(dt)).Add(spatialmath.RotateVec(qi, d.DeltaV))
	pj := pi.Add(vi.Mul(dt)).Add(gravity.Mul(0.5 * dt * dt)).Add(spatialmath.RotateVec(qi, d.DeltaP))

	vars := []*Variable{
		NewOrientationVariable(stampI, qi),
		NewPositionVariable(stampI, pi),
		NewVelocityVariable(stampI, vi),
		NewGyroBiasVariable(stampI, d.Bg),
		NewAccelBiasVariable(stampI, d.Ba),
		NewOrientationVariable(stampJ, qj),
		NewPositionVariable(stampJ, pj),
		NewVelocityVariable(stampJ, vj),
		NewGyroBiasVariable(stampJ, d.Bg),
		NewAccelBiasVariable(stampJ, d.Ba),
	}
	byID := map[string]*Variable{}
	for _, v := range vars {
		byID[v.ID().String()] = v
	}

	c := NewPreintegrated("test", stampI, stampJ, d, gravity)
	residual, err := c.Residual(func(id uuid.UUID) *Variable { return byID[id.String()] })
	test.That(t, err, test.ShouldBeNil)
	for _, r := range residual {
		test.That(t, r, test.ShouldAlmostEqual, 0, 1e-9)
	}
}
