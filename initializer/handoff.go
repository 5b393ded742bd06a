package initializer

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/imu"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/vision"
)

const initializerSource = "trajectory_initializer"

// anchorPriorSigma anchors the local graph when the inertial prior has been
// expired out of the buffer.
const anchorPriorSigma = 1e-3

// optimizeAndHandoff builds the local graph from the seeded keyframes,
// optimizes it under the configured wall-clock budget, and packages every
// variable and constraint into the handoff transaction.
func (ini *Initializer) optimizeAndHandoff(ctx context.Context, kfs []seededKeyframe,
	intervals []interval, align *alignmentResult, bg r3.Vector,
) (*Result, error) {
	local := graph.NewMemoryGraph(ini.logger)
	for _, tx := range ini.imuTxs {
		if err := local.Apply(tx); err != nil {
			return nil, err
		}
	}

	// override the predicted states with the seeded, aligned values
	seedTx := graph.NewTransaction(kfs[0].stamp)
	seedTx.OverrideVariables = true
	scaled := make([]spatialmath.Pose, len(kfs))
	for i, kf := range kfs {
		pose := spatialmath.NewPose(kf.pose.Point().Mul(align.scale), kf.pose.Orientation())
		scaled[i] = pose
		seedTx.AddVariable(graph.NewOrientationVariable(kf.stamp, pose.Orientation().Quaternion()))
		seedTx.AddVariable(graph.NewPositionVariable(kf.stamp, pose.Point()))
		seedTx.AddVariable(graph.NewVelocityVariable(kf.stamp, align.velocities[i]))
		seedTx.AddVariable(graph.NewGyroBiasVariable(kf.stamp, bg))
		seedTx.AddVariable(graph.NewAccelBiasVariable(kf.stamp, r3.Vector{}))
	}
	if !ini.anchorPriorRetained {
		// the retention window expired the transaction carrying the first
		// state's prior; anchor the local graph at the first seeded state
		seedTx.AddConstraint(graph.NewImuStatePrior(initializerSource, kfs[0].stamp,
			scaled[0].Orientation().Quaternion(), scaled[0].Point(), align.velocities[0],
			bg, r3.Vector{}, graph.ScaledIdentityCovariance(15, anchorPriorSigma)))
	}
	ini.seedLandmarks(seedTx, kfs, scaled)
	if err := local.Apply(seedTx); err != nil {
		return nil, err
	}

	budget := time.Duration(ini.cfg.MaxOptimizationS * float64(time.Second))
	optCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := local.Optimize(optCtx); err != nil {
		// deadline hit: the best partial solution stays in the graph, but the
		// attempt is marked failed so the caller retries with more data
		return nil, errors.Wrap(err, "initializer optimization")
	}

	states := make([]imu.State, len(kfs))
	for i, kf := range kfs {
		states[i] = stateFromGraph(local, kf.stamp)
	}

	handoff := graph.NewTransaction(kfs[len(kfs)-1].stamp)
	handoff.OverrideVariables = true
	handoff.OverrideConstraints = true
	for _, v := range local.Variables() {
		handoff.AddVariable(v)
	}
	for _, c := range local.Constraints() {
		handoff.AddConstraint(c)
	}

	// hand the running preintegrator over anchored at the final state
	last := states[len(states)-1]
	ini.preint.SetBiases(last.GyroBias, last.AccelBias)
	ini.preint.SetStart(last.Stamp, &last.Orientation, &last.Position, &last.Velocity)

	return &Result{
		Success:     true,
		Gravity:     align.gravity,
		Scale:       align.scale,
		States:      states,
		Transaction: handoff,
	}, nil
}

// seedLandmarks triangulates every landmark observed from at least three
// seeded keyframes and stages its variable plus reprojection constraints.
func (ini *Initializer) seedLandmarks(tx *graph.Transaction, kfs []seededKeyframe, scaled []spatialmath.Pose) {
	camPoses := make(map[time.Time]spatialmath.Pose, len(kfs))
	for i, kf := range kfs {
		camPoses[kf.stamp] = spatialmath.Compose(scaled[i], ini.tBodyCam)
	}

	seen := map[uint64]struct{}{}
	pixelCov := graph.ScaledIdentityCovariance(2, 1)
	for _, kf := range kfs {
		for _, obs := range ini.tracker.Observations(kf.stamp) {
			if _, done := seen[obs.LandmarkID]; done {
				continue
			}
			seen[obs.LandmarkID] = struct{}{}

			var views []vision.View
			var stamps []time.Time
			for _, other := range kfs {
				for _, o := range ini.tracker.Observations(other.stamp) {
					if o.LandmarkID != obs.LandmarkID {
						continue
					}
					views = append(views, vision.View{TWorldCam: camPoses[other.stamp], Pixel: o.Pixel})
					stamps = append(stamps, other.stamp)
					break
				}
			}
			if len(views) < 3 {
				continue
			}
			point, err := vision.Triangulate(ini.cam, views, ini.cfg.MaxTriangulationM)
			if err != nil {
				continue
			}
			tx.AddVariable(graph.NewLandmarkVariable(obs.LandmarkID, point))
			for i := range stamps {
				tx.AddConstraint(graph.NewReprojection(initializerSource, stamps[i],
					obs.LandmarkID, views[i].Pixel, ini.cam.Intrinsics, ini.tBodyCam, pixelCov))
			}
			if ini.landmarks != nil {
				ini.landmarks.Observe(obs.LandmarkID, kf.stamp, obs.Pixel)
				ini.landmarks.SetTriangulated(obs.LandmarkID, point)
			}
		}
	}
}

func stateFromGraph(g *graph.MemoryGraph, stamp time.Time) imu.State {
	state := imu.State{Stamp: stamp}
	if v, ok := g.Variable(graph.StampedID(graph.TypeOrientation, stamp)); ok {
		state.Orientation = v.Quaternion()
	}
	if v, ok := g.Variable(graph.StampedID(graph.TypePosition, stamp)); ok {
		state.Position = v.Vector()
	}
	if v, ok := g.Variable(graph.StampedID(graph.TypeVelocity, stamp)); ok {
		state.Velocity = v.Vector()
	}
	if v, ok := g.Variable(graph.StampedID(graph.TypeGyroBias, stamp)); ok {
		state.GyroBias = v.Vector()
	}
	if v, ok := g.Variable(graph.StampedID(graph.TypeAccelBias, stamp)); ok {
		state.AccelBias = v.Vector()
	}
	return state
}
