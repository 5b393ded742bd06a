package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// ICPConfig holds the per-call bounds of an ICP run.
type ICPConfig struct {
	MaxIterations int     `json:"max_iterations"`
	Tolerance     float64 `json:"tolerance"`       // convergence threshold on the iteration delta, meters
	MaxCorrDist   float64 `json:"max_corr_dist_m"` // correspondences further than this are rejected
	MinCorrRatio  float64 `json:"min_corr_ratio"`  // minimum fraction of source points with a correspondence
}

// DefaultICPConfig returns the bounds used when no configuration is supplied.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations: 50,
		Tolerance:     1e-8,
		MaxCorrDist:   2.0,
		MinCorrRatio:  0.25,
	}
}

// ICPInfo reports how a registration run went.
type ICPInfo struct {
	Converged       bool
	Iterations      int
	RMSE            float64
	Correspondences int
}

// ErrICPDiverged is returned when ICP cannot find enough correspondences or
// fails to converge within its iteration bound.
var ErrICPDiverged = errors.New("icp did not converge")

// RegisterPointCloudICP registers a source point cloud against a target
// kd-tree using point-to-point ICP starting from the given guess, returning
// T_target_source.
func RegisterPointCloudICP(source PointCloud, target *KDTree, guess spatialmath.Pose, cfg ICPConfig) (spatialmath.Pose, *ICPInfo, error) {
	if source.Size() == 0 || target.Size() == 0 {
		return nil, nil, errors.Wrap(ErrICPDiverged, "empty cloud")
	}
	if cfg.MaxIterations <= 0 {
		cfg = DefaultICPConfig()
	}

	src := make([]r3.Vector, 0, source.Size())
	source.Iterate(func(p r3.Vector, d Data) bool {
		src = append(src, p)
		return true
	})

	pose := guess
	if pose == nil {
		pose = spatialmath.NewZeroPose()
	}
	info := &ICPInfo{}

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		info.Iterations = iter + 1

		moved := make([]r3.Vector, 0, len(src))
		matched := make([]r3.Vector, 0, len(src))
		var sqErr float64
		for _, p := range src {
			tp := spatialmath.TransformPoint(pose, p)
			q, _, dist, ok := target.NearestNeighbor(tp)
			if !ok || dist > cfg.MaxCorrDist {
				continue
			}
			moved = append(moved, tp)
			matched = append(matched, q)
			sqErr += dist * dist
		}
		info.Correspondences = len(moved)
		if float64(len(moved)) < cfg.MinCorrRatio*float64(len(src)) || len(moved) < 3 {
			return nil, info, errors.Wrapf(ErrICPDiverged,
				"only %d of %d correspondences", len(moved), len(src))
		}
		info.RMSE = math.Sqrt(sqErr / float64(len(moved)))

		delta := bestRigidTransform(moved, matched)
		pose = spatialmath.Compose(delta, pose)

		dt, dr := spatialmath.PoseDelta(spatialmath.NewZeroPose(), delta)
		if dt < cfg.Tolerance && dr < cfg.Tolerance {
			info.Converged = true
			return pose, info, nil
		}
	}

	// Out of iterations; report the last alignment but flag non-convergence
	// only if the residual stayed large.
	if info.RMSE < cfg.MaxCorrDist {
		info.Converged = true
		return pose, info, nil
	}
	return nil, info, ErrICPDiverged
}

// bestRigidTransform returns the rigid transform mapping the moved points onto
// their matches, by Horn's closed-form SVD solution.
func bestRigidTransform(moved, matched []r3.Vector) spatialmath.Pose {
	n := float64(len(moved))
	var cm, cq r3.Vector
	for i := range moved {
		cm = cm.Add(moved[i])
		cq = cq.Add(matched[i])
	}
	cm = cm.Mul(1 / n)
	cq = cq.Mul(1 / n)

	h := mat.NewDense(3, 3, nil)
	for i := range moved {
		p := moved[i].Sub(cm)
		q := matched[i].Sub(cq)
		outer := mat.NewDense(3, 3, []float64{
			p.X * q.X, p.X * q.Y, p.X * q.Z,
			p.Y * q.X, p.Y * q.Y, p.Y * q.Z,
			p.Z * q.X, p.Z * q.Y, p.Z * q.Z,
		})
		h.Add(h, outer)
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return spatialmath.NewZeroPose()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	r := mat.NewDense(3, 3, nil)
	r.Mul(&v, u.T())
	if mat.Det(r) < 0 {
		// reflection case: flip the sign of the last column of V
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	rm, err := spatialmath.NewRotationMatrix(r.RawMatrix().Data)
	if err != nil {
		return spatialmath.NewZeroPose()
	}
	t := cq.Sub(spatialmath.MulMatVec(r, cm))
	return spatialmath.NewPose(t, rm)
}
