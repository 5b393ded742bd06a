package vision

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// minTriangulationViews is the number of keyframe observations required
// before a landmark may be triangulated.
const minTriangulationViews = 3

// dltConditionFloor rejects triangulations whose DLT system is numerically
// rank deficient.
const dltConditionFloor = 1e-10

// View pairs a camera pose with a pixel observation of one landmark.
type View struct {
	// TWorldCam is the camera pose in the world frame.
	TWorldCam spatialmath.Pose
	Pixel     r2.Point
}

// Triangulate recovers the world position of a landmark from at least three
// views by multi-view DLT. It fails with ErrUnderconstrained on too few
// views, a rank-deficient system, non-positive depth in any view, or a point
// further than maxDistance from the first camera (0 disables the bound).
func Triangulate(cam PinholeCamera, views []View, maxDistance float64) (r3.Vector, error) {
	if len(views) < minTriangulationViews {
		return r3.Vector{}, errors.Wrapf(utils.ErrUnderconstrained,
			"triangulation needs %d views, got %d", minTriangulationViews, len(views))
	}

	a := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		// camera-from-world projection rows
		tCamWorld := spatialmath.PoseInverse(v.TWorldCam)
		r := spatialmath.QuatToDense(tCamWorld.Orientation().Quaternion())
		t := tCamWorld.Point()
		ray := cam.Backproject(v.Pixel)
		x := ray.X / ray.Z
		y := ray.Y / ray.Z

		for col := 0; col < 3; col++ {
			a.Set(2*i, col, x*r.At(2, col)-r.At(0, col))
			a.Set(2*i+1, col, y*r.At(2, col)-r.At(1, col))
		}
		a.Set(2*i, 3, x*t.Z-t.X)
		a.Set(2*i+1, 3, y*t.Z-t.Y)
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, "dlt factorization failed")
	}
	values := svd.Values(nil)
	if values[0] <= 0 || values[len(values)-1]/values[0] < dltConditionFloor {
		// allow an exactly-consistent system (smallest value ~ 0) only when
		// the remaining directions are well separated
		if values[len(values)-2]/values[0] < dltConditionFloor {
			return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, "dlt system rank deficient")
		}
	}
	var v mat.Dense
	svd.VTo(&v)
	rows, _ := v.Dims()
	w := v.At(rows-1, 3)
	if w == 0 {
		return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, "point at infinity")
	}
	point := r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}

	// positive depth in every observing frame
	for _, view := range views {
		pCam := spatialmath.TransformPoint(spatialmath.PoseInverse(view.TWorldCam), point)
		if pCam.Z <= 0 {
			return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, "negative depth")
		}
	}
	if maxDistance > 0 {
		if point.Sub(views[0].TWorldCam.Point()).Norm() > maxDistance {
			return r3.Vector{}, errors.Wrap(utils.ErrUnderconstrained, "triangulated point too far")
		}
	}
	return point, nil
}
