package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// smallAngle is the threshold below which the exp/log maps and their Jacobians
// fall back to their second-order Taylor expansions.
const smallAngle = 1e-10

// RotVecToQuat is the SO(3) exponential map: a rotation vector (axis * angle)
// to a unit quaternion.
func RotVecToQuat(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < smallAngle {
		// exp(v/2) ≈ (1, v/2) near zero
		return Normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

// QuatToRotVec is the SO(3) logarithm map: a unit quaternion to a rotation
// vector.
func QuatToRotVec(q quat.Number) r3.Vector {
	if imagNorm(q) < axisEpsilon {
		// below axisEpsilon QuatToR4AA reports the +X axis; the first-order
		// expansion 2*imag/w keeps the direction of small rotations
		s := 2 / q.Real
		return r3.Vector{X: s * q.Imag, Y: s * q.Jmag, Z: s * q.Kmag}
	}
	aa := QuatToR4AA(q)
	return r3.Vector{X: aa.Theta * aa.RX, Y: aa.Theta * aa.RY, Z: aa.Theta * aa.RZ}
}

// RotateVec rotates vector v by unit quaternion q.
func RotateVec(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Real: 0, Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// SkewSymmetric returns the 3x3 skew-symmetric (hat) matrix of v.
func SkewSymmetric(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// RightJacobianSO3 returns the right Jacobian of the SO(3) exponential map at
// rotation vector v.
func RightJacobianSO3(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	jr := identity3()
	hat := SkewSymmetric(v)
	hat2 := mat.NewDense(3, 3, nil)
	hat2.Mul(hat, hat)
	if theta < smallAngle {
		jr.Sub(jr, scale3(0.5, hat))
		return jr
	}
	a := (1 - math.Cos(theta)) / (theta * theta)
	b := (theta - math.Sin(theta)) / (theta * theta * theta)
	jr.Sub(jr, scale3(a, hat))
	jr.Add(jr, scale3(b, hat2))
	return jr
}

// RightJacobianInvSO3 returns the inverse of the right Jacobian of the SO(3)
// exponential map at rotation vector v.
func RightJacobianInvSO3(v r3.Vector) *mat.Dense {
	theta := v.Norm()
	jri := identity3()
	hat := SkewSymmetric(v)
	hat2 := mat.NewDense(3, 3, nil)
	hat2.Mul(hat, hat)
	if theta < smallAngle {
		jri.Add(jri, scale3(0.5, hat))
		return jri
	}
	b := 1/(theta*theta) - (1+math.Cos(theta))/(2*theta*math.Sin(theta))
	jri.Add(jri, scale3(0.5, hat))
	jri.Add(jri, scale3(b, hat2))
	return jri
}

// QuatToDense returns the rotation matrix of q as a gonum dense matrix.
func QuatToDense(q quat.Number) *mat.Dense {
	rm := QuatToRotationMatrix(q)
	out := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rm.At(i, j))
		}
	}
	return out
}

// MulMatVec multiplies a 3x3 dense matrix by an r3 vector.
func MulMatVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func scale3(s float64, m mat.Matrix) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Scale(s, m)
	return out
}
