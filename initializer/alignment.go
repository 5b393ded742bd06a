package initializer

import (
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// seededKeyframe pairs a candidate keyframe stamp with its seed pose (from
// the path or the visual chain; positions may be up to scale).
type seededKeyframe struct {
	stamp time.Time
	pose  spatialmath.Pose
}

// interval is one preintegrated span between consecutive seeded keyframes.
type interval struct {
	i, j  int
	delta *graph.PreintegratedDelta
}

// estimateGyroBias solves the small least-squares correction δb_g minimizing
// the rotation residuals between the preintegrated deltas and the seeded
// relative rotations, using the stored rotation bias Jacobians.
func estimateGyroBias(kfs []seededKeyframe, intervals []interval) (r3.Vector, error) {
	h := mat.NewSymDense(3, nil)
	b := mat.NewVecDense(3, nil)
	for _, iv := range intervals {
		qi := kfs[iv.i].pose.Orientation().Quaternion()
		qj := kfs[iv.j].pose.Orientation().Quaternion()
		qMeas := iv.delta.DeltaQ
		res := spatialmath.QuatToRotVec(quat.Mul(quat.Conj(qMeas), quat.Mul(quat.Conj(qi), qj)))

		j := iv.delta.JRotBg
		for r := 0; r < 3; r++ {
			for c := r; c < 3; c++ {
				sum := 0.0
				for k := 0; k < 3; k++ {
					sum += j.At(k, r) * j.At(k, c)
				}
				h.SetSym(r, c, h.At(r, c)+sum)
			}
		}
		rv := []float64{res.X, res.Y, res.Z}
		for r := 0; r < 3; r++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += j.At(k, r) * rv[k]
			}
			b.SetVec(r, b.AtVec(r)+sum)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(h) {
		return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, "gyro bias system singular")
	}
	var dbg mat.VecDense
	if err := chol.SolveVecTo(&dbg, b); err != nil {
		return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, err.Error())
	}
	return r3.Vector{X: dbg.AtVec(0), Y: dbg.AtVec(1), Z: dbg.AtVec(2)}, nil
}

// alignmentResult is the outcome of the linear gravity/scale/velocity solve.
type alignmentResult struct {
	gravity    r3.Vector
	scale      float64
	velocities []r3.Vector // one per seeded keyframe, world frame
}

// solveGravityScale builds the linear system relating the seeded positions to
// the preintegrated velocity and position deltas, with unknowns
// [v_0..v_{K-1}, g, s]. A rank-deficient system (e.g. pure rotation, which
// leaves the scale column near zero) fails with ErrUnderconstrained.
func solveGravityScale(kfs []seededKeyframe, intervals []interval) (*alignmentResult, error) {
	if len(intervals) == 0 {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "no preintegrated intervals")
	}
	n := 3*len(kfs) + 4
	rows := 6 * len(intervals)
	a := mat.NewDense(rows, n, nil)
	b := mat.NewVecDense(rows, nil)

	gCol := 3 * len(kfs)
	sCol := gCol + 3

	for k, iv := range intervals {
		dt := iv.delta.Dt.Seconds()
		riT := spatialmath.QuatToDense(quat.Conj(kfs[iv.i].pose.Orientation().Quaternion()))
		dp := kfs[iv.j].pose.Point().Sub(kfs[iv.i].pose.Point())
		rDp := spatialmath.MulMatVec(riT, dp)

		// Δp rows: R_i^T (s·Δp̄ − v_i Δt − ½ g Δt²) = δp
		for r := 0; r < 3; r++ {
			row := 6 * k
			for c := 0; c < 3; c++ {
				a.Set(row+r, 3*iv.i+c, -riT.At(r, c)*dt)
				a.Set(row+r, gCol+c, -0.5*riT.At(r, c)*dt*dt)
			}
			a.Set(row+r, sCol, component(rDp, r))
			b.SetVec(row+r, component(iv.delta.DeltaP, r))
		}
		// Δv rows: R_i^T (v_j − v_i − g Δt) = δv
		for r := 0; r < 3; r++ {
			row := 6*k + 3
			for c := 0; c < 3; c++ {
				a.Set(row+r, 3*iv.j+c, riT.At(r, c))
				a.Set(row+r, 3*iv.i+c, -riT.At(r, c))
				a.Set(row+r, gCol+c, -riT.At(r, c)*dt)
			}
			b.SetVec(row+r, component(iv.delta.DeltaV, r))
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "gravity/scale solve failed")
	}

	// degenerate scale recovery shows up as a vanishing scale column
	var sColNorm float64
	for r := 0; r < rows; r++ {
		sColNorm += a.At(r, sCol) * a.At(r, sCol)
	}
	if sColNorm < 1e-10 {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "scale unobservable (pure rotation)")
	}
	scale := x.AtVec(sCol)
	if scale <= 0 {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "non-positive recovered scale")
	}

	res := &alignmentResult{
		gravity:    r3.Vector{X: x.AtVec(gCol), Y: x.AtVec(gCol + 1), Z: x.AtVec(gCol + 2)},
		scale:      scale,
		velocities: make([]r3.Vector, len(kfs)),
	}
	for i := range kfs {
		res.velocities[i] = r3.Vector{X: x.AtVec(3 * i), Y: x.AtVec(3*i + 1), Z: x.AtVec(3*i + 2)}
	}
	return res, nil
}

func component(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}
