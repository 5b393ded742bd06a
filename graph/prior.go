package graph

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// posePrior anchors the orientation and position variables at one stamp to a
// measured pose. Residual is [log(q_meas^-1 q); p - p_meas], dim 6.
type posePrior struct {
	source string
	stamp  time.Time
	q      quat.Number
	p      r3.Vector
	cov    *mat.SymDense
}

// NewPosePrior creates a 6dof prior on the pose at the given stamp with the
// given 6x6 covariance ordered (rotation, translation).
func NewPosePrior(source string, stamp time.Time, pose spatialmath.Pose, cov *mat.SymDense) Constraint {
	return &posePrior{
		source: source,
		stamp:  stamp,
		q:      pose.Orientation().Quaternion(),
		p:      pose.Point(),
		cov:    cov,
	}
}

func (c *posePrior) ID() uuid.UUID {
	return constraintID(c.source+"/prior", c.Variables())
}

func (c *posePrior) Source() string { return c.source }

func (c *posePrior) Variables() []uuid.UUID {
	return []uuid.UUID{
		StampedID(TypeOrientation, c.stamp),
		StampedID(TypePosition, c.stamp),
	}
}

func (c *posePrior) Dim() int { return 6 }

func (c *posePrior) Covariance() *mat.SymDense { return c.cov }

func (c *posePrior) Residual(get VariableGetter) ([]float64, error) {
	qv := get(StampedID(TypeOrientation, c.stamp))
	pv := get(StampedID(TypePosition, c.stamp))
	if qv == nil || pv == nil {
		return nil, missingVariableError(c.source, StampedID(TypeOrientation, c.stamp))
	}
	dq := spatialmath.QuatToRotVec(quat.Mul(quat.Conj(c.q), qv.Quaternion()))
	dp := pv.Vector().Sub(c.p)
	return []float64{dq.X, dq.Y, dq.Z, dp.X, dp.Y, dp.Z}, nil
}

// imuStatePrior anchors the full 15dof IMU state at one stamp. Residual
// ordering matches the preintegration covariance: (δφ, δv, δp, δb_g, δb_a).
type imuStatePrior struct {
	source string
	stamp  time.Time
	q      quat.Number
	p      r3.Vector
	v      r3.Vector
	bg     r3.Vector
	ba     r3.Vector
	cov    *mat.SymDense
}

// NewImuStatePrior creates a 15-dim prior on the full IMU state at a stamp
// with the given 15x15 covariance.
func NewImuStatePrior(source string, stamp time.Time, q quat.Number, p, v, bg, ba r3.Vector, cov *mat.SymDense) Constraint {
	return &imuStatePrior{source: source, stamp: stamp, q: q, p: p, v: v, bg: bg, ba: ba, cov: cov}
}

func (c *imuStatePrior) ID() uuid.UUID {
	return constraintID(c.source+"/imu_state_prior", c.Variables())
}

func (c *imuStatePrior) Source() string { return c.source }

func (c *imuStatePrior) Variables() []uuid.UUID {
	return []uuid.UUID{
		StampedID(TypeOrientation, c.stamp),
		StampedID(TypePosition, c.stamp),
		StampedID(TypeVelocity, c.stamp),
		StampedID(TypeGyroBias, c.stamp),
		StampedID(TypeAccelBias, c.stamp),
	}
}

func (c *imuStatePrior) Dim() int { return 15 }

func (c *imuStatePrior) Covariance() *mat.SymDense { return c.cov }

func (c *imuStatePrior) Residual(get VariableGetter) ([]float64, error) {
	ids := c.Variables()
	qv, pv, vv, bgv, bav := get(ids[0]), get(ids[1]), get(ids[2]), get(ids[3]), get(ids[4])
	if qv == nil || pv == nil || vv == nil || bgv == nil || bav == nil {
		return nil, missingVariableError(c.source, ids[0])
	}
	dq := spatialmath.QuatToRotVec(quat.Mul(quat.Conj(c.q), qv.Quaternion()))
	dv := vv.Vector().Sub(c.v)
	dp := pv.Vector().Sub(c.p)
	dbg := bgv.Vector().Sub(c.bg)
	dba := bav.Vector().Sub(c.ba)
	return []float64{
		dq.X, dq.Y, dq.Z,
		dv.X, dv.Y, dv.Z,
		dp.X, dp.Y, dp.Z,
		dbg.X, dbg.Y, dbg.Z,
		dba.X, dba.Y, dba.Z,
	}, nil
}

// vectorPrior anchors a single vector variable to a measured value.
type vectorPrior struct {
	source string
	varID  uuid.UUID
	meas   []float64
	cov    *mat.SymDense
}

// NewVectorPrior creates a prior on a vector variable (position, velocity, or
// a bias) identified by type and stamp.
func NewVectorPrior(source string, t Type, stamp time.Time, meas r3.Vector, cov *mat.SymDense) Constraint {
	return &vectorPrior{
		source: source,
		varID:  StampedID(t, stamp),
		meas:   []float64{meas.X, meas.Y, meas.Z},
		cov:    cov,
	}
}

func (c *vectorPrior) ID() uuid.UUID {
	return constraintID(c.source+"/vector_prior", c.Variables())
}

func (c *vectorPrior) Source() string { return c.source }

func (c *vectorPrior) Variables() []uuid.UUID { return []uuid.UUID{c.varID} }

func (c *vectorPrior) Dim() int { return len(c.meas) }

func (c *vectorPrior) Covariance() *mat.SymDense { return c.cov }

func (c *vectorPrior) Residual(get VariableGetter) ([]float64, error) {
	v := get(c.varID)
	if v == nil {
		return nil, missingVariableError(c.source, c.varID)
	}
	out := make([]float64, len(c.meas))
	for i := range out {
		out[i] = v.Values[i] - c.meas[i]
	}
	return out, nil
}
