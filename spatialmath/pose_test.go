package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestComposeInverse(t *testing.T) {
	a := NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, &EulerAngles{Roll: 0.2, Pitch: -0.4, Yaw: 1.1})
	b := NewPose(r3.Vector{X: -0.5, Y: 0.1, Z: 2}, &EulerAngles{Roll: -0.7, Pitch: 0.3, Yaw: 0.2})

	ab := Compose(a, b)
	recovered := Compose(PoseInverse(a), ab)
	test.That(t, PoseAlmostCoincident(recovered, b, 1e-9, 1e-9), test.ShouldBeTrue)

	identity := Compose(a, PoseInverse(a))
	test.That(t, PoseAlmostCoincident(identity, NewZeroPose(), 1e-9, 1e-9), test.ShouldBeTrue)
}

func TestPoseBetween(t *testing.T) {
	a := NewPose(r3.Vector{X: 1, Y: 0, Z: 0}, &EulerAngles{Yaw: math.Pi / 2})
	b := NewPose(r3.Vector{X: 1, Y: 3, Z: 0}, &EulerAngles{Yaw: math.Pi / 2})

	rel := PoseBetween(a, b)
	test.That(t, PoseAlmostCoincident(Compose(a, rel), b, 1e-9, 1e-9), test.ShouldBeTrue)
	// b sits 3m along world +Y, which is +X in a's rotated frame
	test.That(t, rel.Point().X, test.ShouldAlmostEqual, 3, 1e-9)
	test.That(t, rel.Point().Y, test.ShouldAlmostEqual, 0, 1e-9)
}

func TestTransformPoint(t *testing.T) {
	p := NewPose(r3.Vector{X: 1, Y: 1, Z: 0}, &EulerAngles{Yaw: math.Pi / 2})
	moved := TransformPoint(p, r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, moved.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, moved.Y, test.ShouldAlmostEqual, 2, 1e-9)
}

func TestInterpolate(t *testing.T) {
	a := NewZeroPose()
	b := NewPose(r3.Vector{X: 2, Y: 0, Z: 0}, &EulerAngles{Yaw: math.Pi / 2})

	mid := Interpolate(a, b, 0.5)
	test.That(t, mid.Point().X, test.ShouldAlmostEqual, 1, 1e-9)
	aa := mid.Orientation().AxisAngles()
	test.That(t, math.Abs(aa.Theta), test.ShouldAlmostEqual, math.Pi/4, 1e-9)

	test.That(t, PoseAlmostCoincident(Interpolate(a, b, 0), a, 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, PoseAlmostCoincident(Interpolate(a, b, 1), b, 1e-9, 1e-9), test.ShouldBeTrue)
}

func TestRotVecRoundTrip(t *testing.T) {
	for _, v := range []r3.Vector{
		{X: 0.1, Y: -0.2, Z: 0.3},
		{X: 0, Y: 0, Z: 0},
		{X: 1e-12, Y: 0, Z: 0},
		{X: 2.9, Y: 0.1, Z: -0.4},
	} {
		q := RotVecToQuat(v)
		back := QuatToRotVec(q)
		test.That(t, back.X, test.ShouldAlmostEqual, v.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, v.Y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, v.Z, 1e-9)
	}
}

func TestRightJacobianInverse(t *testing.T) {
	v := r3.Vector{X: 0.3, Y: -0.1, Z: 0.2}
	jr := RightJacobianSO3(v)
	jri := RightJacobianInvSO3(v)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := 0.0
			for k := 0; k < 3; k++ {
				sum += jr.At(i, k) * jri.At(k, j)
			}
			expected := 0.0
			if i == j {
				expected = 1
			}
			test.That(t, sum, test.ShouldAlmostEqual, expected, 1e-9)
		}
	}
}

func TestRotationMatrixQuatRoundTrip(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.7, Imag: 0.2, Jmag: -0.5, Kmag: 0.4})
	rm := QuatToRotationMatrix(q)
	back := rm.Quaternion()
	test.That(t, QuaternionAlmostEqual(q, back, 1e-9), test.ShouldBeTrue)
}

func TestRotateVecMatchesMatrix(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.9, Imag: 0.1, Jmag: 0.3, Kmag: -0.2})
	v := r3.Vector{X: 0.5, Y: -1.5, Z: 2}
	byQuat := RotateVec(q, v)
	byMat := MulMatVec(QuatToDense(q), v)
	test.That(t, byQuat.X, test.ShouldAlmostEqual, byMat.X, 1e-12)
	test.That(t, byQuat.Y, test.ShouldAlmostEqual, byMat.Y, 1e-12)
	test.That(t, byQuat.Z, test.ShouldAlmostEqual, byMat.Z, 1e-12)
}
