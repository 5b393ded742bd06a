package imu

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// source tag carried by every constraint this package emits.
const constraintSource = "imu_preintegration"

// NoiseParams are the discrete per-sample noise standard deviations.
type NoiseParams struct {
	GyroNoise      float64 `json:"gyro_noise"`
	AccelNoise     float64 `json:"accel_noise"`
	GyroBiasNoise  float64 `json:"gyro_bias_noise"`
	AccelBiasNoise float64 `json:"accel_bias_noise"`
}

// Params configures a Preintegrator.
type Params struct {
	Noise NoiseParams `json:"noise"`

	// PriorNoise is the sigma of the prior emitted on the first keyframe
	// state; it must be positive.
	PriorNoise float64 `json:"prior_noise"`

	// InfoWeight scales the information of every preintegrated constraint,
	// applied as w * sqrt(cov^-1) on the residual. Non-positive or unset
	// means 1.
	InfoWeight float64 `json:"info_weight"`

	// Gravity is the gravity vector in the world frame.
	Gravity r3.Vector `json:"gravity"`

	// MaxSampleGap bounds dt between consecutive samples; larger gaps are
	// integrated as if the gap were exactly the bound. Zero disables the
	// bound.
	MaxSampleGap time.Duration `json:"max_sample_gap"`
}

// Validate returns ErrConfigInvalid when the parameters cannot be used.
func (p Params) Validate() error {
	if p.PriorNoise <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "imu prior noise must be positive")
	}
	return nil
}

// Preintegrator accumulates IMU samples and produces preintegrated relative
// motion constraints between keyframes, while serving pose predictions at any
// time between them.
type Preintegrator struct {
	mu     sync.Mutex
	params Params
	logger golog.Logger
	warn   *utils.ThrottledLogger

	// current holds samples not yet consumed by the window; total retains
	// everything since the anchor so the window can be rebuilt after a graph
	// update.
	current []Sample
	total   []Sample
	window  []Sample

	stateI State // keyframe anchor
	stateK State // inter-keyframe predictor

	started     bool
	firstWindow bool
	lastStamp   time.Time

	// OutOfOrderDrops counts samples rejected for non-monotonic stamps.
	OutOfOrderDrops atomic.Int64
}

// NewPreintegrator creates a Preintegrator with zero initial biases.
func NewPreintegrator(params Params, logger golog.Logger) (*Preintegrator, error) {
	return NewPreintegratorWithBiases(params, r3.Vector{}, r3.Vector{}, logger)
}

// NewPreintegratorWithBiases creates a Preintegrator with the given initial
// bias estimates.
func NewPreintegratorWithBiases(params Params, bg, ba r3.Vector, logger golog.Logger) (*Preintegrator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Preintegrator{
		params:      params,
		logger:      logger,
		warn:        utils.NewThrottledLogger(logger, nil, time.Second),
		firstWindow: true,
		stateI:      State{Orientation: quat.Number{Real: 1}, GyroBias: bg, AccelBias: ba},
		stateK:      State{Orientation: quat.Number{Real: 1}, GyroBias: bg, AccelBias: ba},
	}, nil
}

// PushSample appends a raw sample. Samples must be strictly increasing in
// time; a violating sample is dropped with ErrOutOfOrder.
func (pi *Preintegrator) PushSample(stamp time.Time, angularVelocity, linearAcceleration r3.Vector) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if !pi.lastStamp.IsZero() && !stamp.After(pi.lastStamp) {
		pi.OutOfOrderDrops.Inc()
		pi.warn.Warnf("imu_out_of_order", "dropping imu sample at %v (last %v)", stamp, pi.lastStamp)
		return errors.Wrapf(utils.ErrOutOfOrder, "sample at %v not after %v", stamp, pi.lastStamp)
	}
	pi.lastStamp = stamp
	s := Sample{Stamp: stamp, AngularVelocity: angularVelocity, LinearAcceleration: linearAcceleration}
	pi.current = append(pi.current, s)
	pi.total = append(pi.total, s)
	return nil
}

// SetStart anchors the keyframe state at the given stamp, discarding all
// samples at or before it. Unset pose components default to identity.
func (pi *Preintegrator) SetStart(stamp time.Time, q *quat.Number, p, v *r3.Vector) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	pi.current = dropThrough(pi.current, stamp)
	pi.total = dropThrough(pi.total, stamp)
	pi.window = nil

	state := State{
		Stamp:       stamp,
		Orientation: quat.Number{Real: 1},
		GyroBias:    pi.stateI.GyroBias,
		AccelBias:   pi.stateI.AccelBias,
	}
	if q != nil {
		state.Orientation = spatialmath.Normalize(*q)
	}
	if p != nil {
		state.Position = *p
	}
	if v != nil {
		state.Velocity = *v
	}
	pi.stateI = state
	pi.stateK = state
	pi.started = true
}

// PredictPose integrates buffered samples up to the given stamp from the last
// prediction point and returns the world-from-imu pose there.
func (pi *Preintegrator) PredictPose(stamp time.Time) (spatialmath.Pose, error) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if !pi.started {
		return nil, errors.Wrap(utils.ErrNotReady, "no keyframe anchor set")
	}
	if stamp.Before(pi.stateK.Stamp) {
		return nil, errors.Wrapf(utils.ErrNotReady, "predict at %v precedes state at %v", stamp, pi.stateK.Stamp)
	}

	// drained samples feed both the inter-keyframe interval and the pending
	// keyframe window
	drained := pi.drainCurrent(stamp)
	pi.window = append(pi.window, drained...)
	interval := newDelta()
	pi.integrate(interval, drained, pi.stateK.Stamp, stamp, pi.stateK.GyroBias, pi.stateK.AccelBias)
	pi.stateK = predict(interval, pi.stateK, pi.params.Gravity, stamp)
	return pi.stateK.Pose(), nil
}

// RegisterPreintegratedFactor closes the interval (t_i, stamp] into a single
// preintegrated constraint, optionally overriding the predicted orientation
// and position with externally supplied values (recomputing the velocity from
// the chord), and rolls the anchor forward. The first interval additionally
// emits a prior on state i.
func (pi *Preintegrator) RegisterPreintegratedFactor(stamp time.Time, qj *quat.Number, pj *r3.Vector) (*graph.Transaction, error) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if !pi.started {
		return nil, errors.Wrap(utils.ErrNotReady, "no keyframe anchor set")
	}
	tx := graph.NewTransaction(stamp)

	dt := stamp.Sub(pi.stateI.Stamp)
	if dt <= 0 {
		return tx, nil
	}

	pi.window = append(pi.window, pi.drainCurrent(stamp)...)
	if len(pi.window) == 0 {
		return tx, nil
	}

	if pi.firstWindow {
		cov := graph.ScaledIdentityCovariance(15, pi.params.PriorNoise)
		tx.AddConstraint(graph.NewImuStatePrior(constraintSource, pi.stateI.Stamp,
			pi.stateI.Orientation, pi.stateI.Position, pi.stateI.Velocity,
			pi.stateI.GyroBias, pi.stateI.AccelBias, cov))
		for _, v := range pi.stateI.variables() {
			tx.AddVariable(v)
		}
	}

	d := newDelta()
	pi.integrate(d, pi.window, pi.stateI.Stamp, stamp, pi.stateI.GyroBias, pi.stateI.AccelBias)

	stateJ := predict(d, pi.stateI, pi.params.Gravity, stamp)
	if qj != nil && pj != nil {
		stateJ.Orientation = spatialmath.Normalize(*qj)
		stateJ.Position = *pj
		stateJ.Velocity = stateJ.Position.Sub(pi.stateI.Position).Mul(1 / dt.Seconds())
	}

	exported := d.export(pi.stateI.GyroBias, pi.stateI.AccelBias)
	if w := pi.params.InfoWeight; w > 0 && w != 1 {
		exported.Cov.ScaleSym(1/(w*w), exported.Cov)
	}
	tx.AddConstraint(graph.NewPreintegrated(constraintSource, pi.stateI.Stamp, stamp,
		exported, pi.params.Gravity))
	for _, v := range stateJ.variables() {
		tx.AddVariable(v)
	}

	// roll the anchor forward
	pi.stateI = stateJ
	pi.stateK = stateJ
	pi.total = dropThrough(pi.total, stateJ.Stamp)
	pi.window = nil
	pi.firstWindow = false

	return tx, nil
}

// UpdateFromGraph pulls the post-optimization values of the anchor's
// variables and rebuilds the working buffer from the retained samples.
func (pi *Preintegrator) UpdateFromGraph(g graph.Snapshot) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	stamp := pi.stateI.Stamp
	if qv, ok := g.Variable(graph.StampedID(graph.TypeOrientation, stamp)); ok {
		pi.stateI.Orientation = qv.Quaternion()
	}
	if pv, ok := g.Variable(graph.StampedID(graph.TypePosition, stamp)); ok {
		pi.stateI.Position = pv.Vector()
	}
	if vv, ok := g.Variable(graph.StampedID(graph.TypeVelocity, stamp)); ok {
		pi.stateI.Velocity = vv.Vector()
	}
	if bg, ok := g.Variable(graph.StampedID(graph.TypeGyroBias, stamp)); ok {
		pi.stateI.GyroBias = bg.Vector()
	}
	if ba, ok := g.Variable(graph.StampedID(graph.TypeAccelBias, stamp)); ok {
		pi.stateI.AccelBias = ba.Vector()
	}

	// rebuild the working buffer from the total buffer starting at the anchor
	pi.current = append([]Sample(nil), dropThrough(pi.total, stamp)...)
	pi.window = nil
	pi.stateK = pi.stateI
}

// AnchorState returns the current keyframe anchor state.
func (pi *Preintegrator) AnchorState() State {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.stateI
}

// Gravity returns the configured world-frame gravity vector.
func (pi *Preintegrator) Gravity() r3.Vector {
	return pi.params.Gravity
}

// SetBiases replaces the bias estimates carried into the next interval.
func (pi *Preintegrator) SetBiases(bg, ba r3.Vector) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	pi.stateI.GyroBias = bg
	pi.stateI.AccelBias = ba
	pi.stateK.GyroBias = bg
	pi.stateK.AccelBias = ba
}

// drainCurrent removes and returns the samples with stamp ≤ limit.
func (pi *Preintegrator) drainCurrent(limit time.Time) []Sample {
	n := 0
	for n < len(pi.current) && !pi.current[n].Stamp.After(limit) {
		n++
	}
	drained := pi.current[:n]
	pi.current = pi.current[n:]
	return drained
}

// integrate runs the samples through the delta, holding each measurement over
// the interval that ends at its stamp, and extending the last one to tEnd.
func (pi *Preintegrator) integrate(d *delta, samples []Sample, tStart, tEnd time.Time, bg, ba r3.Vector) {
	prev := tStart
	for _, s := range samples {
		dt := pi.boundGap(s.Stamp.Sub(prev))
		d.step(s.AngularVelocity, s.LinearAcceleration, dt.Seconds(), bg, ba, pi.params.Noise)
		prev = s.Stamp
	}
	if len(samples) > 0 && tEnd.After(prev) {
		last := samples[len(samples)-1]
		dt := pi.boundGap(tEnd.Sub(prev))
		d.step(last.AngularVelocity, last.LinearAcceleration, dt.Seconds(), bg, ba, pi.params.Noise)
	}
}

func (pi *Preintegrator) boundGap(dt time.Duration) time.Duration {
	if pi.params.MaxSampleGap > 0 && dt > pi.params.MaxSampleGap {
		pi.warn.Warnf("imu_sample_gap", "imu gap %v exceeds bound %v", dt, pi.params.MaxSampleGap)
		return pi.params.MaxSampleGap
	}
	return dt
}

func dropThrough(samples []Sample, stamp time.Time) []Sample {
	n := 0
	for n < len(samples) && !samples[n].Stamp.After(stamp) {
		n++
	}
	return samples[n:]
}
