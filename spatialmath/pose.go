package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose represents a 6dof rigid transform: a position in 3D space and an
// orientation.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

// NewZeroPose returns a pose at (0,0,0) with no rotation.
func NewZeroPose() Pose {
	return newDualQuaternion()
}

// NewPose takes in a position and orientation and returns a Pose.
func NewPose(p r3.Vector, o Orientation) Pose {
	if o == nil {
		return NewPoseFromPoint(p)
	}
	q := newDualQuaternionFromRotation(o)
	q.SetTranslation(p)
	return q
}

// NewPoseFromPoint takes in a cartesian (x,y,z) and stores it as a vector.
// It will have the same orientation as the frame it is in reference to.
func NewPoseFromPoint(point r3.Vector) Pose {
	q := newDualQuaternion()
	q.SetTranslation(point)
	return q
}

// NewPoseFromOrientation takes in an orientation and returns a Pose at the origin.
func NewPoseFromOrientation(o Orientation) Pose {
	return NewPose(r3.Vector{}, o)
}

// Compose treats Poses as functions A(x) and B(x) and produces a new function
// C(x) = A(B(x)), the same as multiplying the transform matrices.
func Compose(a, b Pose) Pose {
	aq := dualQuaternionFromPose(a)
	bq := dualQuaternionFromPose(b)
	result := newDualQuaternion()
	result.Number = aq.Transformation(bq.Number)

	// Normalization prevents drift after many compositions.
	if vecLen := Norm(result.Real); math.Abs(vecLen-1) > 1e-10 {
		result.Real = quat.Scale(1/vecLen, result.Real)
	}
	return result
}

// PoseInverse returns the inverse pose, such that Compose(p, PoseInverse(p))
// is the identity.
func PoseInverse(p Pose) Pose {
	return dualQuaternionFromPose(p).Invert()
}

// PoseBetween returns the relative pose from a to b, i.e. the pose x such that
// Compose(a, x) = b.
func PoseBetween(a, b Pose) Pose {
	return Compose(PoseInverse(a), b)
}

// PoseDelta returns the translation norm (meters) and rotation angle
// (radians) separating two poses.
func PoseDelta(a, b Pose) (float64, float64) {
	diff := PoseBetween(a, b)
	aa := diff.Orientation().AxisAngles()
	return diff.Point().Norm(), math.Abs(aa.Theta)
}

// PoseAlmostCoincident checks if two poses are within the given translation
// (meters) and rotation (radians) tolerances of each other.
func PoseAlmostCoincident(a, b Pose, transTol, rotTol float64) bool {
	dt, dr := PoseDelta(a, b)
	return dt <= transTol && dr <= rotTol
}

// PoseAlmostEqual checks if two poses are approximately the same with default
// tolerances.
func PoseAlmostEqual(a, b Pose) bool {
	return PoseAlmostCoincident(a, b, 1e-8, 1e-8)
}

// TransformPoint applies a pose to a point: R*pt + t.
func TransformPoint(p Pose, pt r3.Vector) r3.Vector {
	return RotateVec(p.Orientation().Quaternion(), pt).Add(p.Point())
}

// Interpolate will return a new Pose that is the interpolation between two
// poses: lerp on position, slerp on orientation. by = 0 is p1, by = 1 is p2.
func Interpolate(p1, p2 Pose, by float64) Pose {
	t1 := p1.Point()
	t2 := p2.Point()
	t := t1.Add(t2.Sub(t1).Mul(by))

	q1 := p1.Orientation().Quaternion()
	q2 := p2.Orientation().Quaternion()
	return NewPose(t, NewOrientationFromQuaternion(slerp(q1, q2, by)))
}

func slerp(q1, q2 quat.Number, by float64) quat.Number {
	dot := q1.Real*q2.Real + q1.Imag*q2.Imag + q1.Jmag*q2.Jmag + q1.Kmag*q2.Kmag
	if dot < 0 {
		q2 = Flip(q2)
		dot = -dot
	}
	if dot > 1-1e-9 {
		// nearly parallel, lerp then normalize
		return Normalize(quat.Number{
			Real: q1.Real + by*(q2.Real-q1.Real),
			Imag: q1.Imag + by*(q2.Imag-q1.Imag),
			Jmag: q1.Jmag + by*(q2.Jmag-q1.Jmag),
			Kmag: q1.Kmag + by*(q2.Kmag-q1.Kmag),
		})
	}
	theta0 := math.Acos(dot)
	theta := theta0 * by
	s1 := math.Sin(theta0-theta) / math.Sin(theta0)
	s2 := math.Sin(theta) / math.Sin(theta0)
	return quat.Number{
		Real: s1*q1.Real + s2*q2.Real,
		Imag: s1*q1.Imag + s2*q2.Imag,
		Jmag: s1*q1.Jmag + s2*q2.Jmag,
		Kmag: s1*q1.Kmag + s2*q2.Kmag,
	}
}

// dualQuaternion defines functions to perform rigid transformations in 3D.
type dualQuaternion struct {
	dualquat.Number
}

// newDualQuaternion returns a dualQuaternion representing an identity
// transform. Since the real part of a dual quaternion should be a unit
// quaternion, not all zeroes, this should be used instead of &dualQuaternion{}.
func newDualQuaternion() *dualQuaternion {
	return &dualQuaternion{dualquat.Number{
		Real: quat.Number{Real: 1},
		Dual: quat.Number{},
	}}
}

func newDualQuaternionFromRotation(o Orientation) *dualQuaternion {
	return &dualQuaternion{dualquat.Number{
		Real: Normalize(o.Quaternion()),
		Dual: quat.Number{},
	}}
}

func dualQuaternionFromPose(p Pose) *dualQuaternion {
	if q, ok := p.(*dualQuaternion); ok {
		return q.Clone()
	}
	q := newDualQuaternionFromRotation(p.Orientation())
	q.SetTranslation(p.Point())
	return q
}

func (q *dualQuaternion) Clone() *dualQuaternion {
	// No need for deep copies here, dualquats are primitives all the way down.
	return &dualQuaternion{q.Number}
}

// Point multiplies the dual quaternion by its own conjugate to give a dq whose
// dual is half the real world translation.
func (q *dualQuaternion) Point() r3.Vector {
	tq := dualquat.Mul(q.Number, dualquat.Conj(q.Number))
	return r3.Vector{X: tq.Dual.Imag, Y: tq.Dual.Jmag, Z: tq.Dual.Kmag}
}

// Orientation returns the rotation quaternion as an Orientation.
func (q *dualQuaternion) Orientation() Orientation {
	o := quaternion(q.Real)
	return &o
}

// SetTranslation correctly sets the translation quaternion against the rotation.
func (q *dualQuaternion) SetTranslation(pt r3.Vector) {
	q.Dual = quat.Number{Real: 0, Imag: pt.X / 2, Jmag: pt.Y / 2, Kmag: pt.Z / 2}
	q.rotate()
}

// rotate multiplies the dual part of the quaternion by the real part to give
// the correct rotated translation.
func (q *dualQuaternion) rotate() {
	q.Dual = quat.Mul(q.Dual, q.Real)
}

// Invert returns a dualQuaternion representing the opposite transformation,
// i.e. the same rotation and translation applied in reverse.
func (q *dualQuaternion) Invert() Pose {
	return &dualQuaternion{dualquat.ConjQuat(q.Number)}
}

// Transformation multiplies the dual quat contained in this dualQuaternion by
// another dual quat.
func (q *dualQuaternion) Transformation(by dualquat.Number) dualquat.Number {
	// Ensure we are multiplying by a unit dual quaternion
	if vecLen := quat.Abs(by.Real); math.Abs(vecLen-1) > 1e-10 {
		by.Real = quat.Scale(1/vecLen, by.Real)
	}
	return dualquat.Mul(q.Number, by)
}
