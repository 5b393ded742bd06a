package initializer

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/imu"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
	"github.com/helixrobotics/helixslam/vision"
)

// candidateSpacing is the minimum time between accumulated candidate
// keyframes while uninitialized.
const candidateSpacing = time.Second

// Result is the outcome of an initialization attempt.
type Result struct {
	Success bool
	Gravity r3.Vector
	Scale   float64
	// States holds the per-keyframe inertial states after local optimization.
	States []imu.State
	// Transaction seeds the main estimator with every variable and
	// constraint of the local graph.
	Transaction *graph.Transaction
}

// Initializer accumulates candidate keyframes while uninitialized and
// bootstraps gravity, scale, biases, and the seeded factor graph.
type Initializer struct {
	cfg       config.Config
	cam       vision.PinholeCamera
	tracker   vision.FeatureTracker
	landmarks *vision.LandmarkTable
	preint    *imu.Preintegrator
	tBodyCam  spatialmath.Pose
	logger    golog.Logger
	clk       clock.Clock

	candidates []time.Time
	intervals  []interval
	imuTxs     []*graph.Transaction
	path       *Path

	// anchorPriorRetained tracks whether the first interval's transaction,
	// which carries the prior on the very first state, is still buffered;
	// once the retention window expires it the local graph needs its own
	// anchor prior.
	anchorPriorRetained bool

	initialized bool
}

// New creates an Initializer. The preintegrator's ownership passes to the
// main estimator on successful handoff.
func New(cfg config.Config, cam vision.PinholeCamera, tracker vision.FeatureTracker,
	landmarks *vision.LandmarkTable, preint *imu.Preintegrator, tBodyCam spatialmath.Pose,
	clk clock.Clock, logger golog.Logger,
) *Initializer {
	if clk == nil {
		clk = clock.New()
	}
	if tBodyCam == nil {
		tBodyCam = spatialmath.NewZeroPose()
	}
	return &Initializer{
		cfg:       cfg,
		cam:       cam,
		tracker:   tracker,
		landmarks: landmarks,
		preint:    preint,
		tBodyCam:  tBodyCam,
		clk:       clk,
		logger:    logger,
	}
}

// Initialized reports whether a bootstrap has succeeded.
func (ini *Initializer) Initialized() bool {
	return ini.initialized
}

// SetPath provides an externally initialized path; path-seeded mode is
// preferred whenever one is available.
func (ini *Initializer) SetPath(p *Path) {
	ini.path = p
}

// AddImageCandidate pushes an image stamp onto the candidate list when at
// least a second has passed since the previous candidate; the preintegrated
// interval to the previous candidate is closed at the same time.
func (ini *Initializer) AddImageCandidate(stamp time.Time) (bool, error) {
	if ini.initialized {
		return false, nil
	}
	if len(ini.candidates) == 0 {
		ini.preint.SetStart(stamp, nil, nil, nil)
		ini.candidates = append(ini.candidates, stamp)
		return true, nil
	}
	last := ini.candidates[len(ini.candidates)-1]
	if stamp.Sub(last) < candidateSpacing {
		return false, nil
	}

	tx, err := ini.preint.RegisterPreintegratedFactor(stamp, nil, nil)
	if err != nil {
		return false, err
	}
	var delta *graph.PreintegratedDelta
	for _, c := range tx.Constraints() {
		if pc, ok := c.(graph.PreintegratedConstraint); ok {
			delta = pc.Delta()
		}
	}
	if delta == nil {
		// interval had no samples; wait for inertial data to catch up
		return false, errors.Wrapf(utils.ErrNotReady, "no imu samples in (%v, %v]", last, stamp)
	}

	ini.candidates = append(ini.candidates, stamp)
	ini.intervals = append(ini.intervals, interval{i: len(ini.candidates) - 2, j: len(ini.candidates) - 1, delta: delta})
	if len(ini.imuTxs) == 0 {
		ini.anchorPriorRetained = true
	}
	ini.imuTxs = append(ini.imuTxs, tx)
	ini.expireCandidates(stamp)
	return true, nil
}

// expireCandidates drops candidates older than initialization_window_s before
// the newest one; the window must be larger than the time it takes to
// accumulate the minimum trajectory. Zero keeps everything.
func (ini *Initializer) expireCandidates(now time.Time) {
	window := time.Duration(ini.cfg.InitializationWindowS * float64(time.Second))
	if window <= 0 {
		return
	}
	cutoff := now.Add(-window)
	drop := 0
	for drop < len(ini.candidates)-1 && ini.candidates[drop].Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	ini.candidates = ini.candidates[drop:]
	// interval k spans candidates (k, k+1), so the first drop intervals and
	// their transactions go with the dropped candidates
	if drop >= len(ini.intervals) {
		ini.intervals = nil
		ini.imuTxs = nil
	} else {
		ini.intervals = ini.intervals[drop:]
		ini.imuTxs = ini.imuTxs[drop:]
		for i := range ini.intervals {
			ini.intervals[i].i -= drop
			ini.intervals[i].j -= drop
		}
	}
	ini.anchorPriorRetained = false
}

// minCandidates is the smallest keyframe count a bootstrap attempts with.
const minCandidates = 4

// TryInitialize attempts a bootstrap over the accumulated candidates. On
// failure the buffers are preserved so the next image triggers a retry.
func (ini *Initializer) TryInitialize(ctx context.Context) (*Result, error) {
	if ini.initialized {
		return nil, errors.New("already initialized")
	}
	if len(ini.candidates) < minCandidates {
		return &Result{}, errors.Wrapf(utils.ErrNotReady,
			"%d candidate keyframes, need %d", len(ini.candidates), minCandidates)
	}

	// path-seeded mode is preferred whenever a path is available
	var kfs []seededKeyframe
	var err error
	if ini.path != nil {
		kfs, err = ini.seedFromPath()
	} else {
		kfs, err = ini.seedFromVision()
	}
	if err != nil {
		return &Result{}, err
	}

	// gyro bias against the seeded rotations, then bias-correct the deltas
	dbg, err := estimateGyroBias(kfs, ini.intervals)
	if err != nil {
		return &Result{}, err
	}
	corrected := correctDeltas(ini.intervals, dbg)

	align, err := solveGravityScale(kfs, corrected)
	if err != nil {
		return &Result{}, err
	}
	gravNorm := align.gravity.Norm()
	if math.Abs(gravNorm-9.81) > 0.5*9.81 {
		return &Result{}, errors.Wrapf(utils.ErrUnderconstrained,
			"recovered gravity %.2f m/s^2 implausible", gravNorm)
	}

	result, err := ini.optimizeAndHandoff(ctx, kfs, corrected, align, dbg)
	if err != nil {
		return &Result{}, err
	}
	ini.initialized = true
	return result, nil
}

// seedFromPath interpolates the externally provided path at each candidate.
func (ini *Initializer) seedFromPath() ([]seededKeyframe, error) {
	if ini.path.Length() < ini.cfg.MinTrajectoryLengthM {
		return nil, errors.Wrapf(utils.ErrNotReady, "path length %.2fm below minimum %.2fm",
			ini.path.Length(), ini.cfg.MinTrajectoryLengthM)
	}
	kfs := make([]seededKeyframe, 0, len(ini.candidates))
	for _, stamp := range ini.candidates {
		pose, err := ini.path.PoseAt(stamp)
		if err != nil {
			return nil, err
		}
		kfs = append(kfs, seededKeyframe{stamp: stamp, pose: pose})
	}
	return kfs, nil
}

// seedFromVision runs the two-view bootstrap plus PnP chain over the
// candidates; positions come out up to scale.
func (ini *Initializer) seedFromVision() ([]seededKeyframe, error) {
	first := ini.candidates[0]
	last := ini.candidates[len(ini.candidates)-1]

	px1, px2, ids := ini.commonTracks(first, last)
	if parallax := meanPixelDistance(px1, px2); parallax < ini.cfg.MinVisualParallax {
		return nil, errors.Wrapf(utils.ErrUnderconstrained,
			"visual parallax %.1fpx below minimum %.1f", parallax, ini.cfg.MinVisualParallax)
	}
	rel, err := estimateRelativePose(ini.cam, px1, px2)
	if err != nil {
		return nil, err
	}

	// provisional structure from the two bootstrap views
	firstPose := spatialmath.NewZeroPose()
	lastPose := rel
	points := map[uint64]r3.Vector{}
	rotM := spatialmath.QuatToDense(quat.Conj(rel.Orientation().Quaternion()))
	tInv := spatialmath.RotateVec(quat.Conj(rel.Orientation().Quaternion()), rel.Point().Mul(-1))
	for i, id := range ids {
		ray1 := ini.cam.Backproject(px1[i])
		ray2 := ini.cam.Backproject(px2[i])
		x1 := r3.Vector{X: ray1.X / ray1.Z, Y: ray1.Y / ray1.Z, Z: 1}
		x2 := r3.Vector{X: ray2.X / ray2.Z, Y: ray2.Y / ray2.Z, Z: 1}
		z1 := triangulateDepth(x1, x2, rotM, tInv)
		if z1 <= 0 || math.IsNaN(z1) {
			continue
		}
		points[id] = x1.Mul(z1)
	}
	if len(points) < minPnPCorrespondencesForChain {
		return nil, errors.Wrap(utils.ErrUnderconstrained, "too few bootstrap points")
	}

	kfs := make([]seededKeyframe, len(ini.candidates))
	kfs[0] = seededKeyframe{stamp: first, pose: firstPose}
	kfs[len(kfs)-1] = seededKeyframe{stamp: last, pose: lastPose}

	// chain the middle frames by PnP against the bootstrap structure
	rnd := newDeterministicRand()
	for i := 1; i < len(ini.candidates)-1; i++ {
		stamp := ini.candidates[i]
		var pts []r3.Vector
		var pxs []r2.Point
		for _, obs := range ini.tracker.Observations(stamp) {
			if p, ok := points[obs.LandmarkID]; ok {
				pts = append(pts, p)
				pxs = append(pxs, obs.Pixel)
			}
		}
		pose, _, err := vision.SolvePnP(ini.cam, pts, pxs,
			spatialmath.Interpolate(firstPose, lastPose, float64(i)/float64(len(ini.candidates)-1)),
			vision.DefaultPnPConfig(), ini.clk, rnd)
		if err != nil {
			return nil, err
		}
		kfs[i] = seededKeyframe{stamp: stamp, pose: pose}
	}
	// the chain produced camera poses; the seeded keyframes are body poses
	invExt := spatialmath.PoseInverse(ini.tBodyCam)
	for i := range kfs {
		kfs[i].pose = spatialmath.Compose(kfs[i].pose, invExt)
	}
	return kfs, nil
}

func newDeterministicRand() *rand.Rand {
	//nolint:gosec
	return rand.New(rand.NewSource(7))
}

// commonTracks returns the pixel pairs of landmarks observed at both stamps.
func (ini *Initializer) commonTracks(a, b time.Time) ([]r2.Point, []r2.Point, []uint64) {
	obsA := ini.tracker.Observations(a)
	obsB := ini.tracker.Observations(b)
	atB := make(map[uint64]r2.Point, len(obsB))
	for _, o := range obsB {
		atB[o.LandmarkID] = o.Pixel
	}
	var px1, px2 []r2.Point
	var ids []uint64
	for _, o := range obsA {
		if pb, ok := atB[o.LandmarkID]; ok {
			px1 = append(px1, o.Pixel)
			px2 = append(px2, pb)
			ids = append(ids, o.LandmarkID)
		}
	}
	return px1, px2, ids
}

func meanPixelDistance(a, b []r2.Point) float64 {
	if len(a) == 0 {
		return 0
	}
	total := 0.0
	for i := range a {
		total += a[i].Sub(b[i]).Norm()
	}
	return total / float64(len(a))
}

// correctDeltas applies the estimated gyro bias change through the stored
// Jacobians so alignment runs on bias-consistent deltas.
func correctDeltas(intervals []interval, dbg r3.Vector) []interval {
	out := make([]interval, len(intervals))
	for i, iv := range intervals {
		d := *iv.delta
		d.DeltaQ = quat.Mul(iv.delta.DeltaQ,
			spatialmath.RotVecToQuat(spatialmath.MulMatVec(iv.delta.JRotBg, dbg)))
		d.DeltaV = iv.delta.DeltaV.Add(spatialmath.MulMatVec(iv.delta.JVelBg, dbg))
		d.DeltaP = iv.delta.DeltaP.Add(spatialmath.MulMatVec(iv.delta.JPosBg, dbg))
		out[i] = interval{i: iv.i, j: iv.j, delta: &d}
	}
	return out
}

const minPnPCorrespondencesForChain = 6
