// Package imu accumulates high-rate inertial samples into preintegrated
// relative-motion constraints with covariance and bias-Jacobian propagation,
// and maintains a current-state predictor between keyframes.
package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/spatialmath"
)

// Sample is one raw inertial measurement.
type Sample struct {
	Stamp              time.Time
	AngularVelocity    r3.Vector
	LinearAcceleration r3.Vector
}

// State is the full inertial state at one instant.
type State struct {
	Stamp       time.Time
	Orientation quat.Number
	Position    r3.Vector
	Velocity    r3.Vector
	GyroBias    r3.Vector
	AccelBias   r3.Vector
}

// Pose returns the world-from-imu pose of the state.
func (s State) Pose() spatialmath.Pose {
	return spatialmath.NewPose(s.Position, spatialmath.NewOrientationFromQuaternion(s.Orientation))
}

// predict advances a state by a preintegrated delta, adding gravity in the
// world frame. tNow overrides the resulting stamp when non-zero.
func predict(d *delta, cur State, gravity r3.Vector, tNow time.Time) State {
	dt := d.dt
	q := cur.Orientation

	vNew := cur.Velocity.
		Add(gravity.Mul(dt)).
		Add(spatialmath.RotateVec(q, d.v))
	pNew := cur.Position.
		Add(cur.Velocity.Mul(dt)).
		Add(gravity.Mul(0.5 * dt * dt)).
		Add(spatialmath.RotateVec(q, d.p))
	qNew := spatialmath.Normalize(quat.Mul(q, d.q))

	stamp := cur.Stamp.Add(time.Duration(dt * float64(time.Second)))
	if !tNow.IsZero() {
		stamp = tNow
	}
	return State{
		Stamp:       stamp,
		Orientation: qNew,
		Position:    pNew,
		Velocity:    vNew,
		GyroBias:    cur.GyroBias,
		AccelBias:   cur.AccelBias,
	}
}

// variables returns the graph variables of the state.
func (s State) variables() []*graph.Variable {
	return []*graph.Variable{
		graph.NewOrientationVariable(s.Stamp, s.Orientation),
		graph.NewPositionVariable(s.Stamp, s.Position),
		graph.NewVelocityVariable(s.Stamp, s.Velocity),
		graph.NewGyroBiasVariable(s.Stamp, s.GyroBias),
		graph.NewAccelBiasVariable(s.Stamp, s.AccelBias),
	}
}
