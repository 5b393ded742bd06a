package graph

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// PreintegratedDelta is the integral of IMU samples over an interval (i, j]
// under the linearization biases Bg, Ba, together with its 15x15 covariance
// over (δφ, δv, δp, δb_g, δb_a) and the bias Jacobians that let a constraint
// correct the delta for small bias changes without re-integration.
type PreintegratedDelta struct {
	Dt time.Duration

	DeltaQ quat.Number
	DeltaV r3.Vector
	DeltaP r3.Vector

	// Cov is the 15x15 covariance of the delta.
	Cov *mat.SymDense

	// 3x3 Jacobians of the delta blocks w.r.t. the linearization biases.
	JRotBg *mat.Dense
	JVelBg *mat.Dense
	JVelBa *mat.Dense
	JPosBg *mat.Dense
	JPosBa *mat.Dense

	// Bg, Ba are the biases the delta was integrated under.
	Bg r3.Vector
	Ba r3.Vector
}

// preintegrated is the 15-dim inertial constraint between the full IMU states
// at stamps i and j. Residual ordering matches the covariance:
// (δφ, δv, δp, δb_g, δb_a).
type preintegrated struct {
	source  string
	stampI  time.Time
	stampJ  time.Time
	delta   *PreintegratedDelta
	gravity r3.Vector
}

// NewPreintegrated creates the inertial constraint linking
// (q_i, p_i, v_i, b_g_i, b_a_i) to (q_j, p_j, v_j, b_g_j, b_a_j) through a
// preintegrated delta. gravity is expressed in the world frame.
func NewPreintegrated(source string, stampI, stampJ time.Time, delta *PreintegratedDelta, gravity r3.Vector) Constraint {
	return &preintegrated{
		source:  source,
		stampI:  stampI,
		stampJ:  stampJ,
		delta:   delta,
		gravity: gravity,
	}
}

// PreintegratedConstraint exposes the payload of an inertial constraint to
// consumers that need the raw delta, e.g. the trajectory initializer.
type PreintegratedConstraint interface {
	Constraint
	Delta() *PreintegratedDelta
	Stamps() (time.Time, time.Time)
}

// Delta returns the preintegrated payload.
func (c *preintegrated) Delta() *PreintegratedDelta { return c.delta }

// Stamps returns the interval endpoints (i, j).
func (c *preintegrated) Stamps() (time.Time, time.Time) { return c.stampI, c.stampJ }

func (c *preintegrated) ID() uuid.UUID {
	return constraintID(c.source+"/preintegrated", c.Variables())
}

func (c *preintegrated) Source() string { return c.source }

func (c *preintegrated) Variables() []uuid.UUID {
	return []uuid.UUID{
		StampedID(TypeOrientation, c.stampI),
		StampedID(TypePosition, c.stampI),
		StampedID(TypeVelocity, c.stampI),
		StampedID(TypeGyroBias, c.stampI),
		StampedID(TypeAccelBias, c.stampI),
		StampedID(TypeOrientation, c.stampJ),
		StampedID(TypePosition, c.stampJ),
		StampedID(TypeVelocity, c.stampJ),
		StampedID(TypeGyroBias, c.stampJ),
		StampedID(TypeAccelBias, c.stampJ),
	}
}

func (c *preintegrated) Dim() int { return 15 }

func (c *preintegrated) Covariance() *mat.SymDense { return c.delta.Cov }

type preintegratedOperands struct {
	qi, qj         quat.Number
	pi, pj, vi, vj r3.Vector
	bgi, bai       r3.Vector
	bgj, baj       r3.Vector

	dbg, dba r3.Vector // bias deltas from the linearization point

	corrDq       quat.Number // bias-corrected delta rotation
	eR, eV, eP   r3.Vector
	eBg, eBa     r3.Vector
	riT          *mat.Dense // R_i^T
	vChord       r3.Vector  // v_j - v_i - g dt
	pChord       r3.Vector  // p_j - p_i - v_i dt - 0.5 g dt^2
	dbgCorrected r3.Vector  // JRotBg * dbg
}

func (c *preintegrated) operands(get VariableGetter) (*preintegratedOperands, error) {
	ids := c.Variables()
	vars := make([]*Variable, len(ids))
	for i, id := range ids {
		vars[i] = get(id)
		if vars[i] == nil {
			return nil, missingVariableError(c.source, id)
		}
	}
	op := &preintegratedOperands{
		qi: vars[0].Quaternion(), pi: vars[1].Vector(), vi: vars[2].Vector(),
		bgi: vars[3].Vector(), bai: vars[4].Vector(),
		qj: vars[5].Quaternion(), pj: vars[6].Vector(), vj: vars[7].Vector(),
		bgj: vars[8].Vector(), baj: vars[9].Vector(),
	}
	dt := c.delta.Dt.Seconds()

	op.dbg = op.bgi.Sub(c.delta.Bg)
	op.dba = op.bai.Sub(c.delta.Ba)

	// rotation residual with first-order bias correction
	op.dbgCorrected = spatialmath.MulMatVec(c.delta.JRotBg, op.dbg)
	op.corrDq = quat.Mul(c.delta.DeltaQ, spatialmath.RotVecToQuat(op.dbgCorrected))
	qRel := quat.Mul(quat.Conj(op.qi), op.qj)
	op.eR = spatialmath.QuatToRotVec(quat.Mul(quat.Conj(op.corrDq), qRel))

	op.riT = spatialmath.QuatToDense(quat.Conj(op.qi))

	// velocity residual
	op.vChord = op.vj.Sub(op.vi).Sub(c.gravity.Mul(dt))
	dvCorr := c.delta.DeltaV.
		Add(spatialmath.MulMatVec(c.delta.JVelBg, op.dbg)).
		Add(spatialmath.MulMatVec(c.delta.JVelBa, op.dba))
	op.eV = spatialmath.MulMatVec(op.riT, op.vChord).Sub(dvCorr)

	// position residual
	op.pChord = op.pj.Sub(op.pi).Sub(op.vi.Mul(dt)).Sub(c.gravity.Mul(0.5 * dt * dt))
	dpCorr := c.delta.DeltaP.
		Add(spatialmath.MulMatVec(c.delta.JPosBg, op.dbg)).
		Add(spatialmath.MulMatVec(c.delta.JPosBa, op.dba))
	op.eP = spatialmath.MulMatVec(op.riT, op.pChord).Sub(dpCorr)

	op.eBg = op.bgj.Sub(op.bgi)
	op.eBa = op.baj.Sub(op.bai)
	return op, nil
}

func (c *preintegrated) Residual(get VariableGetter) ([]float64, error) {
	op, err := c.operands(get)
	if err != nil {
		return nil, err
	}
	return []float64{
		op.eR.X, op.eR.Y, op.eR.Z,
		op.eV.X, op.eV.Y, op.eV.Z,
		op.eP.X, op.eP.Y, op.eP.Z,
		op.eBg.X, op.eBg.Y, op.eBg.Z,
		op.eBa.X, op.eBa.Y, op.eBa.Z,
	}, nil
}

// Jacobians implements the analytic linearization of the residual w.r.t. the
// tangent of each involved variable, using the stored bias Jacobians.
func (c *preintegrated) Jacobians(get VariableGetter) ([]*mat.Dense, error) {
	op, err := c.operands(get)
	if err != nil {
		return nil, err
	}
	dt := c.delta.Dt.Seconds()

	jacs := make([]*mat.Dense, 10)
	for i := range jacs {
		jacs[i] = mat.NewDense(15, 3, nil)
	}

	jrInvER := spatialmath.RightJacobianInvSO3(op.eR)
	rjTri := mat.NewDense(3, 3, nil) // R_j^T R_i
	rjTri.Mul(spatialmath.QuatToDense(quat.Conj(op.qj)), spatialmath.QuatToDense(op.qi))

	// d eR / d δθ_i = -Jr^-1(eR) R_j^T R_i
	block := mat.NewDense(3, 3, nil)
	block.Mul(jrInvER, rjTri)
	block.Scale(-1, block)
	setBlock(jacs[0], 0, block)

	// d eR / d δθ_j = Jr^-1(eR)
	setBlock(jacs[5], 0, jrInvER)

	// d eR / d δbg_i = -Jr^-1(eR) Exp(eR)^T Jr(JRotBg dbg) JRotBg
	expERT := spatialmath.QuatToDense(quat.Conj(spatialmath.RotVecToQuat(op.eR)))
	jrCorr := spatialmath.RightJacobianSO3(op.dbgCorrected)
	tmp := mat.NewDense(3, 3, nil)
	tmp.Mul(jrInvER, expERT)
	tmp2 := mat.NewDense(3, 3, nil)
	tmp2.Mul(tmp, jrCorr)
	dERdBg := mat.NewDense(3, 3, nil)
	dERdBg.Mul(tmp2, c.delta.JRotBg)
	dERdBg.Scale(-1, dERdBg)
	setBlock(jacs[3], 0, dERdBg)

	// d eV / d δθ_i = skew(R_i^T vChord)
	setBlock(jacs[0], 3, spatialmath.SkewSymmetric(spatialmath.MulMatVec(op.riT, op.vChord)))
	// d eV / d v_i = -R_i^T ; d eV / d v_j = R_i^T
	setBlock(jacs[2], 3, scaleDense(-1, op.riT))
	setBlock(jacs[7], 3, op.riT)
	// d eV / d bg_i = -JVelBg ; d eV / d ba_i = -JVelBa
	setBlock(jacs[3], 3, scaleDense(-1, c.delta.JVelBg))
	setBlock(jacs[4], 3, scaleDense(-1, c.delta.JVelBa))

	// d eP / d δθ_i = skew(R_i^T pChord)
	setBlock(jacs[0], 6, spatialmath.SkewSymmetric(spatialmath.MulMatVec(op.riT, op.pChord)))
	// d eP / d p_i = -R_i^T ; d eP / d p_j = R_i^T ; d eP / d v_i = -R_i^T dt
	setBlock(jacs[1], 6, scaleDense(-1, op.riT))
	setBlock(jacs[6], 6, op.riT)
	setBlock(jacs[2], 6, scaleDense(-dt, op.riT))
	// d eP / d bg_i = -JPosBg ; d eP / d ba_i = -JPosBa
	setBlock(jacs[3], 6, scaleDense(-1, c.delta.JPosBg))
	setBlock(jacs[4], 6, scaleDense(-1, c.delta.JPosBa))

	// bias random-walk rows
	eye := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	setBlock(jacs[3], 9, scaleDense(-1, eye))
	setBlock(jacs[8], 9, eye)
	setBlock(jacs[4], 12, scaleDense(-1, eye))
	setBlock(jacs[9], 12, eye)

	return jacs, nil
}

// setBlock copies a 3x3 block into dst starting at the given row.
func setBlock(dst *mat.Dense, row int, block *mat.Dense) {
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			dst.Set(row+r, col, block.At(r, col))
		}
	}
}

func scaleDense(s float64, m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Scale(s, m)
	return out
}
