package initializer

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
	"github.com/helixrobotics/helixslam/vision"
)

// minEssentialPairs is the correspondence count the linear essential-matrix
// estimate needs.
const minEssentialPairs = 8

// estimateRelativePose recovers the up-to-scale relative motion of the second
// camera w.r.t. the first from pixel correspondences: a normalized
// linear estimate of the essential matrix, decomposed and disambiguated by
// cheirality. The returned translation has unit norm.
func estimateRelativePose(cam vision.PinholeCamera, px1, px2 []r2.Point) (spatialmath.Pose, error) {
	if len(px1) != len(px2) || len(px1) < minEssentialPairs {
		return nil, errors.Wrapf(utils.ErrUnderconstrained,
			"essential estimation needs %d pairs, got %d", minEssentialPairs, len(px1))
	}

	// normalized image coordinates
	x1 := make([]r3.Vector, len(px1))
	x2 := make([]r3.Vector, len(px2))
	for i := range px1 {
		r1 := cam.Backproject(px1[i])
		r2v := cam.Backproject(px2[i])
		x1[i] = r3.Vector{X: r1.X / r1.Z, Y: r1.Y / r1.Z, Z: 1}
		x2[i] = r3.Vector{X: r2v.X / r2v.Z, Y: r2v.Y / r2v.Z, Z: 1}
	}

	a := mat.NewDense(len(x1), 9, nil)
	for i := range x1 {
		a.SetRow(i, []float64{
			x2[i].X * x1[i].X, x2[i].X * x1[i].Y, x2[i].X,
			x2[i].Y * x1[i].X, x2[i].Y * x1[i].Y, x2[i].Y,
			x1[i].X, x1[i].Y, 1,
		})
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "essential factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	e := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		e.Set(i/3, i%3, v.At(i, 8))
	}

	// enforce the (1,1,0) singular structure
	var esvd mat.SVD
	if !esvd.Factorize(e, mat.SVDFull) {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "essential projection failed")
	}
	var u, vt mat.Dense
	esvd.UTo(&u)
	esvd.VTo(&vt)

	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})

	candidates := make([]*mat.Dense, 0, 2)
	r1 := mat.NewDense(3, 3, nil)
	r1.Product(&u, w, vt.T())
	r2m := mat.NewDense(3, 3, nil)
	r2m.Product(&u, w.T(), vt.T())
	for _, r := range []*mat.Dense{r1, r2m} {
		if mat.Det(r) < 0 {
			neg := mat.NewDense(3, 3, nil)
			neg.Scale(-1, r)
			r = neg
		}
		candidates = append(candidates, r)
	}
	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}

	best := -1
	var bestPose spatialmath.Pose
	for _, r := range candidates {
		for _, tc := range []r3.Vector{t, t.Mul(-1)} {
			pose, good := cheiralityScore(x1, x2, r, tc)
			if good > best {
				best = good
				bestPose = pose
			}
		}
	}
	if bestPose == nil || best < len(x1)/2 {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "no decomposition passes cheirality")
	}
	return bestPose, nil
}

// cheiralityScore counts correspondences triangulating in front of both
// cameras for the candidate (R, t) of camera 2 in camera 1's frame.
func cheiralityScore(x1, x2 []r3.Vector, r *mat.Dense, t r3.Vector) (spatialmath.Pose, int) {
	rm, err := spatialmath.NewRotationMatrix(r.RawMatrix().Data)
	if err != nil {
		return nil, -1
	}
	// candidate maps camera-1 points into camera 2: X2 = R X1 + t; the pose
	// of camera 2 in camera 1's frame is its inverse
	pose := spatialmath.PoseInverse(spatialmath.NewPose(t, rm))

	good := 0
	for i := range x1 {
		z1 := triangulateDepth(x1[i], x2[i], r, t)
		if z1 <= 0 || math.IsNaN(z1) {
			continue
		}
		p1 := x1[i].Mul(z1)
		p2 := spatialmath.MulMatVec(r, p1).Add(t)
		if p2.Z > 0 {
			good++
		}
	}
	return pose, good
}

// triangulateDepth solves the two-view midpoint depth of the first ray.
func triangulateDepth(x1, x2 r3.Vector, r *mat.Dense, t r3.Vector) float64 {
	// z2 * x2 = z1 * R x1 + t ; eliminate z2 by cross product with x2
	rx1 := spatialmath.MulMatVec(r, x1)
	a := x2.Cross(rx1)
	b := x2.Cross(t)
	den := a.Dot(a)
	if den < 1e-12 {
		return math.NaN()
	}
	return -a.Dot(b) / den
}
