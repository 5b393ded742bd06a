package graph

import (
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// Intrinsics is the pinhole projection used by reprojection constraints.
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// Project maps a point in the camera frame to pixel coordinates.
func (in Intrinsics) Project(x, y, z float64) r2.Point {
	return r2.Point{
		X: in.Fx*(x/z) + in.Cx,
		Y: in.Fy*(y/z) + in.Cy,
	}
}

// reprojection penalizes the pixel distance between a landmark's projection
// into a keyframe's camera and its measured pixel. Dim 2. Landmarks behind
// the camera produce a saturated residual so the solver backs away rather
// than dividing by a vanishing depth.
type reprojection struct {
	source     string
	stamp      time.Time
	landmark   uint64
	pixel      r2.Point
	intrinsics Intrinsics
	tBodyCam   spatialmath.Pose
	cov        *mat.SymDense
}

// NewReprojection creates a reprojection constraint between the body pose at
// the given stamp and a landmark. tBodyCam is the camera extrinsic in the
// body frame; cov is the 2x2 pixel covariance.
func NewReprojection(source string, stamp time.Time, landmark uint64, pixel r2.Point,
	intrinsics Intrinsics, tBodyCam spatialmath.Pose, cov *mat.SymDense,
) Constraint {
	if tBodyCam == nil {
		tBodyCam = spatialmath.NewZeroPose()
	}
	return &reprojection{
		source:     source,
		stamp:      stamp,
		landmark:   landmark,
		pixel:      pixel,
		intrinsics: intrinsics,
		tBodyCam:   tBodyCam,
		cov:        cov,
	}
}

func (c *reprojection) ID() uuid.UUID {
	return constraintID(c.source+"/reprojection", c.Variables())
}

func (c *reprojection) Source() string { return c.source }

func (c *reprojection) Variables() []uuid.UUID {
	return []uuid.UUID{
		StampedID(TypeOrientation, c.stamp),
		StampedID(TypePosition, c.stamp),
		LandmarkVarID(c.landmark),
	}
}

func (c *reprojection) Dim() int { return 2 }

func (c *reprojection) Covariance() *mat.SymDense { return c.cov }

const minReprojectionDepth = 1e-6

func (c *reprojection) Residual(get VariableGetter) ([]float64, error) {
	ids := c.Variables()
	qv, pv, lv := get(ids[0]), get(ids[1]), get(ids[2])
	if qv == nil || pv == nil || lv == nil {
		return nil, missingVariableError(c.source, ids[2])
	}

	// world -> body -> camera
	xBody := spatialmath.RotateVec(quat.Conj(qv.Quaternion()), lv.Vector().Sub(pv.Vector()))
	xCam := spatialmath.TransformPoint(spatialmath.PoseInverse(c.tBodyCam), xBody)

	if xCam.Z < minReprojectionDepth {
		// saturate instead of projecting through the image plane
		return []float64{1e6, 1e6}, nil
	}
	predicted := c.intrinsics.Project(xCam.X, xCam.Y, xCam.Z)
	return []float64{predicted.X - c.pixel.X, predicted.Y - c.pixel.Y}, nil
}
