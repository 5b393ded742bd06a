// Package graph defines the variables, constraints, and transactions shared
// between the sensor front-ends and the factor-graph estimator, plus an
// in-memory reference implementation of the estimator interface.
package graph

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// Type identifies the kind of a variable; a variable's identity is
// (Type, Stamp) for stamped variables and (Type, Landmark) for landmarks.
type Type string

// The variable types known to the estimator.
const (
	TypeOrientation Type = "orientation3d" // [w x y z] unit quaternion, tangent dim 3
	TypePosition    Type = "position3d"    // [x y z]
	TypeVelocity    Type = "velocity3d"    // [x y z]
	TypeGyroBias    Type = "gyro_bias3d"   // [x y z]
	TypeAccelBias   Type = "accel_bias3d"  // [x y z]
	TypeLandmark    Type = "landmark3d"    // [x y z], keyed by landmark id
)

// variableNamespace seeds the deterministic uuid of every variable so that
// producers and the estimator agree on identity without coordination.
var variableNamespace = uuid.MustParse("8e5a1b42-33c7-4a15-9e55-0f3a2f1c9d10")

// StampedID returns the deterministic id of the variable of the given type at
// the given stamp.
func StampedID(t Type, stamp time.Time) uuid.UUID {
	return uuid.NewSHA1(variableNamespace, []byte(fmt.Sprintf("%s|%d", t, stamp.UnixNano())))
}

// LandmarkVarID returns the deterministic id of the landmark variable with the
// given landmark id.
func LandmarkVarID(landmark uint64) uuid.UUID {
	return uuid.NewSHA1(variableNamespace, []byte(fmt.Sprintf("%s|%d", TypeLandmark, landmark)))
}

// Variable is a node of the factor graph: a typed block of values on a
// manifold.
type Variable struct {
	Type     Type
	Stamp    time.Time
	Landmark uint64
	Values   []float64
}

// NewOrientationVariable creates an orientation variable from a unit quaternion.
func NewOrientationVariable(stamp time.Time, q quat.Number) *Variable {
	q = spatialmath.Normalize(q)
	return &Variable{
		Type:   TypeOrientation,
		Stamp:  stamp,
		Values: []float64{q.Real, q.Imag, q.Jmag, q.Kmag},
	}
}

// NewPositionVariable creates a position variable.
func NewPositionVariable(stamp time.Time, p r3.Vector) *Variable {
	return &Variable{Type: TypePosition, Stamp: stamp, Values: []float64{p.X, p.Y, p.Z}}
}

// NewVelocityVariable creates a linear velocity variable.
func NewVelocityVariable(stamp time.Time, v r3.Vector) *Variable {
	return &Variable{Type: TypeVelocity, Stamp: stamp, Values: []float64{v.X, v.Y, v.Z}}
}

// NewGyroBiasVariable creates a gyroscope bias variable.
func NewGyroBiasVariable(stamp time.Time, b r3.Vector) *Variable {
	return &Variable{Type: TypeGyroBias, Stamp: stamp, Values: []float64{b.X, b.Y, b.Z}}
}

// NewAccelBiasVariable creates an accelerometer bias variable.
func NewAccelBiasVariable(stamp time.Time, b r3.Vector) *Variable {
	return &Variable{Type: TypeAccelBias, Stamp: stamp, Values: []float64{b.X, b.Y, b.Z}}
}

// NewLandmarkVariable creates a world-position variable for a landmark.
func NewLandmarkVariable(id uint64, p r3.Vector) *Variable {
	return &Variable{Type: TypeLandmark, Landmark: id, Values: []float64{p.X, p.Y, p.Z}}
}

// ID returns the deterministic identity of the variable.
func (v *Variable) ID() uuid.UUID {
	if v.Type == TypeLandmark {
		return LandmarkVarID(v.Landmark)
	}
	return StampedID(v.Type, v.Stamp)
}

// TangentDim returns the dimension of the variable's tangent space.
func (v *Variable) TangentDim() int {
	if v.Type == TypeOrientation {
		return 3
	}
	return len(v.Values)
}

// Clone returns a deep copy of the variable.
func (v *Variable) Clone() *Variable {
	values := make([]float64, len(v.Values))
	copy(values, v.Values)
	return &Variable{Type: v.Type, Stamp: v.Stamp, Landmark: v.Landmark, Values: values}
}

// Retract applies a tangent-space delta to the variable in place. For
// orientations this is the right boxplus q ⊗ exp(δ); for vector variables it
// is addition.
func (v *Variable) Retract(delta []float64) {
	if v.Type == TypeOrientation {
		q := quat.Mul(v.Quaternion(), spatialmath.RotVecToQuat(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]}))
		q = spatialmath.Normalize(q)
		v.Values[0], v.Values[1], v.Values[2], v.Values[3] = q.Real, q.Imag, q.Jmag, q.Kmag
		return
	}
	for i := range v.Values {
		v.Values[i] += delta[i]
	}
}

// Quaternion interprets the variable as a unit quaternion.
func (v *Variable) Quaternion() quat.Number {
	return quat.Number{Real: v.Values[0], Imag: v.Values[1], Jmag: v.Values[2], Kmag: v.Values[3]}
}

// Vector interprets the variable as a 3-vector.
func (v *Variable) Vector() r3.Vector {
	return r3.Vector{X: v.Values[0], Y: v.Values[1], Z: v.Values[2]}
}
