package vision

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// minPnPCorrespondences is the smallest 2D-3D set a pose can be recovered from.
const minPnPCorrespondences = 3

// PnPConfig bounds a RANSAC PnP run.
type PnPConfig struct {
	Iterations      int
	SampleSize      int
	InlierPixels    float64
	RefineTimeLimit time.Duration
	RefineMaxIters  int
}

// DefaultPnPConfig returns the bounds used when none are configured.
func DefaultPnPConfig() PnPConfig {
	return PnPConfig{
		Iterations:      32,
		SampleSize:      4,
		InlierPixels:    3.0,
		RefineTimeLimit: 50 * time.Millisecond,
		RefineMaxIters:  10,
	}
}

// SolvePnP recovers T_world_cam from 2D-3D correspondences: a RANSAC loop
// over minimal samples refined by motion-only Gauss-Newton, then a final
// refinement over the inlier set under the configured time budget. initial
// seeds every hypothesis.
func SolvePnP(cam PinholeCamera, points []r3.Vector, pixels []r2.Point,
	initial spatialmath.Pose, cfg PnPConfig, clk clock.Clock, rnd *rand.Rand,
) (spatialmath.Pose, []int, error) {
	if len(points) != len(pixels) {
		return nil, nil, errors.New("points and pixels must pair up")
	}
	if len(points) < minPnPCorrespondences {
		return nil, nil, errors.Wrapf(utils.ErrUnderconstrained,
			"pnp needs at least %d correspondences, got %d", minPnPCorrespondences, len(points))
	}
	if clk == nil {
		clk = clock.New()
	}
	if initial == nil {
		initial = spatialmath.NewZeroPose()
	}

	sample := cfg.SampleSize
	if sample > len(points) {
		sample = len(points)
	}

	var bestPose spatialmath.Pose
	var bestInliers []int
	for iter := 0; iter < cfg.Iterations; iter++ {
		idx := rnd.Perm(len(points))[:sample]
		subPts := make([]r3.Vector, sample)
		subPx := make([]r2.Point, sample)
		for i, j := range idx {
			subPts[i] = points[j]
			subPx[i] = pixels[j]
		}
		hypothesis := refinePose(cam, subPts, subPx, initial, cfg.RefineMaxIters, clk, time.Time{})

		inliers := inlierSet(cam, points, pixels, hypothesis, cfg.InlierPixels)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestPose = hypothesis
		}
	}
	if len(bestInliers) < minPnPCorrespondences {
		return nil, nil, errors.Wrap(utils.ErrUnderconstrained, "ransac found no consensus")
	}

	// final motion-only refinement over the inliers, time bounded
	deadline := clk.Now().Add(cfg.RefineTimeLimit)
	inPts := make([]r3.Vector, len(bestInliers))
	inPx := make([]r2.Point, len(bestInliers))
	for i, j := range bestInliers {
		inPts[i] = points[j]
		inPx[i] = pixels[j]
	}
	refined := refinePose(cam, inPts, inPx, bestPose, 4*cfg.RefineMaxIters, clk, deadline)
	return refined, bestInliers, nil
}

func inlierSet(cam PinholeCamera, points []r3.Vector, pixels []r2.Point, pose spatialmath.Pose, tol float64) []int {
	var inliers []int
	inv := spatialmath.PoseInverse(pose)
	for i := range points {
		pCam := spatialmath.TransformPoint(inv, points[i])
		px, ok := cam.Project(pCam)
		if !ok {
			continue
		}
		if px.Sub(pixels[i]).Norm() <= tol {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// refinePose minimizes total squared reprojection error over the 6dof camera
// pose by Gauss-Newton with numerically linearized residuals.
func refinePose(cam PinholeCamera, points []r3.Vector, pixels []r2.Point,
	initial spatialmath.Pose, maxIters int, clk clock.Clock, deadline time.Time,
) spatialmath.Pose {
	q := initial.Orientation().Quaternion()
	p := initial.Point()

	const eps = 1e-7
	for iter := 0; iter < maxIters; iter++ {
		if !deadline.IsZero() && clk.Now().After(deadline) {
			break
		}

		n := len(points)
		jac := mat.NewDense(2*n, 6, nil)
		res := mat.NewVecDense(2*n, nil)
		base := reprojResiduals(cam, points, pixels, q, p)
		for i := 0; i < 2*n; i++ {
			res.SetVec(i, base[i])
		}
		for d := 0; d < 6; d++ {
			qd, pd := perturb(q, p, d, eps)
			plus := reprojResiduals(cam, points, pixels, qd, pd)
			qd, pd = perturb(q, p, d, -eps)
			minus := reprojResiduals(cam, points, pixels, qd, pd)
			for i := 0; i < 2*n; i++ {
				jac.Set(i, d, (plus[i]-minus[i])/(2*eps))
			}
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		for i := 0; i < 6; i++ {
			jtj.Set(i, i, jtj.At(i, i)+1e-9)
		}
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), res)
		var step mat.VecDense
		if err := step.SolveVec(&jtj, &jtr); err != nil {
			break
		}

		delta := r3.Vector{X: -step.AtVec(0), Y: -step.AtVec(1), Z: -step.AtVec(2)}
		q = spatialmath.Normalize(quat.Mul(q, spatialmath.RotVecToQuat(delta)))
		p = p.Add(r3.Vector{X: -step.AtVec(3), Y: -step.AtVec(4), Z: -step.AtVec(5)})

		if step.Norm(2) < 1e-10 {
			break
		}
	}
	return spatialmath.NewPose(p, spatialmath.NewOrientationFromQuaternion(q))
}

// perturb applies a single tangent direction: 0-2 rotation, 3-5 translation.
func perturb(q quat.Number, p r3.Vector, d int, eps float64) (quat.Number, r3.Vector) {
	if d < 3 {
		delta := r3.Vector{}
		switch d {
		case 0:
			delta.X = eps
		case 1:
			delta.Y = eps
		case 2:
			delta.Z = eps
		}
		return spatialmath.Normalize(quat.Mul(q, spatialmath.RotVecToQuat(delta))), p
	}
	out := p
	switch d {
	case 3:
		out.X += eps
	case 4:
		out.Y += eps
	case 5:
		out.Z += eps
	}
	return q, out
}

// reprojResiduals stacks the pixel residuals of all correspondences under the
// camera pose (q, p).
func reprojResiduals(cam PinholeCamera, points []r3.Vector, pixels []r2.Point, q quat.Number, p r3.Vector) []float64 {
	out := make([]float64, 2*len(points))
	qc := quat.Conj(q)
	for i := range points {
		pCam := spatialmath.RotateVec(qc, points[i].Sub(p))
		if pCam.Z <= 1e-9 {
			out[2*i] = 1e3
			out[2*i+1] = 1e3
			continue
		}
		px := cam.Intrinsics.Project(pCam.X, pCam.Y, pCam.Z)
		out[2*i] = px.X - pixels[i].X
		out[2*i+1] = px.Y - pixels[i].Y
	}
	return out
}
