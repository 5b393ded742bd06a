package graph

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// relativePose constrains the pose at stamp j relative to the pose at stamp i
// to a measured T_i_j. Residual is [log(Δq_meas^-1 (q_i^-1 q_j));
// R_i^T (p_j - p_i) - Δp_meas], dim 6.
type relativePose struct {
	source string
	stampI time.Time
	stampJ time.Time
	dq     quat.Number
	dp     r3.Vector
	cov    *mat.SymDense
}

// NewRelativePose creates a relative 6dof constraint between the poses at two
// stamps with the measured relative pose T_i_j and a 6x6 covariance ordered
// (rotation, translation).
func NewRelativePose(source string, stampI, stampJ time.Time, tIJ spatialmath.Pose, cov *mat.SymDense) Constraint {
	return &relativePose{
		source: source,
		stampI: stampI,
		stampJ: stampJ,
		dq:     tIJ.Orientation().Quaternion(),
		dp:     tIJ.Point(),
		cov:    cov,
	}
}

func (c *relativePose) ID() uuid.UUID {
	return constraintID(c.source+"/relative_pose", c.Variables())
}

func (c *relativePose) Source() string { return c.source }

func (c *relativePose) Variables() []uuid.UUID {
	return []uuid.UUID{
		StampedID(TypeOrientation, c.stampI),
		StampedID(TypePosition, c.stampI),
		StampedID(TypeOrientation, c.stampJ),
		StampedID(TypePosition, c.stampJ),
	}
}

func (c *relativePose) Dim() int { return 6 }

func (c *relativePose) Covariance() *mat.SymDense { return c.cov }

func (c *relativePose) Residual(get VariableGetter) ([]float64, error) {
	ids := c.Variables()
	qi, pi, qj, pj := get(ids[0]), get(ids[1]), get(ids[2]), get(ids[3])
	if qi == nil || pi == nil || qj == nil || pj == nil {
		return nil, missingVariableError(c.source, ids[0])
	}

	qRel := quat.Mul(quat.Conj(qi.Quaternion()), qj.Quaternion())
	dq := spatialmath.QuatToRotVec(quat.Mul(quat.Conj(c.dq), qRel))

	pRel := spatialmath.RotateVec(quat.Conj(qi.Quaternion()), pj.Vector().Sub(pi.Vector()))
	dp := pRel.Sub(c.dp)

	return []float64{dq.X, dq.Y, dq.Z, dp.X, dp.Y, dp.Z}, nil
}
