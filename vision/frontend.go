package vision

import (
	"math/rand"
	"sort"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

const frontEndSource = "visual_odometry"

// FrontEnd advances a feature tracker, decides keyframes, and produces
// reprojection constraints against the landmark table.
type FrontEnd struct {
	cfg       config.Config
	cam       PinholeCamera
	tracker   FeatureTracker
	landmarks *LandmarkTable
	tBodyCam  spatialmath.Pose
	logger    golog.Logger
	warn      *utils.ThrottledLogger
	rnd       *rand.Rand

	frames        map[time.Time]struct{}
	keyframes     []time.Time
	keyframePoses map[time.Time]spatialmath.Pose
	lastPose      spatialmath.Pose
	addedSinceKF  int

	pixelCov *mat.SymDense
}

// NewFrontEnd creates a visual front-end. tBodyCam is the camera extrinsic in
// the baselink frame.
func NewFrontEnd(cfg config.Config, cam PinholeCamera, tracker FeatureTracker,
	landmarks *LandmarkTable, tBodyCam spatialmath.Pose, logger golog.Logger,
) (*FrontEnd, error) {
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if tBodyCam == nil {
		tBodyCam = spatialmath.NewZeroPose()
	}
	sigma := 1.0
	if cfg.ReprojectionInfoWeight > 0 {
		sigma = 1 / cfg.ReprojectionInfoWeight
	}
	return &FrontEnd{
		cfg:           cfg,
		cam:           cam,
		tracker:       tracker,
		landmarks:     landmarks,
		tBodyCam:      tBodyCam,
		logger:        logger,
		warn:          utils.NewThrottledLogger(logger, nil, time.Second),
		rnd:           rand.New(rand.NewSource(42)), //nolint:gosec
		frames:        map[time.Time]struct{}{},
		keyframePoses: map[time.Time]spatialmath.Pose{},
		lastPose:      spatialmath.NewZeroPose(),
		pixelCov:      graph.ScaledIdentityCovariance(2, sigma),
	}, nil
}

// AddImage advances the tracker and records all observations in the landmark
// table. A repeated stamp fails with a duplicate-stamp error.
func (fe *FrontEnd) AddImage(img Image) error {
	if _, ok := fe.frames[img.Stamp]; ok {
		return errors.Errorf("duplicate stamp %v", img.Stamp)
	}
	if err := fe.tracker.AddImage(img); err != nil {
		return err
	}
	fe.frames[img.Stamp] = struct{}{}
	for _, obs := range fe.tracker.Observations(img.Stamp) {
		fe.landmarks.Observe(obs.LandmarkID, img.Stamp, obs.Pixel)
	}
	return nil
}

// Localize collects 2D-3D correspondences over the triangulated landmarks
// visible at the stamp, runs RANSAC PnP, and refines the result with a
// bounded motion-only adjustment. It returns the body pose and the
// triangulated / untriangulated landmark ids seen at the stamp.
func (fe *FrontEnd) Localize(stamp time.Time) (spatialmath.Pose, []uint64, []uint64, error) {
	observations := fe.tracker.Observations(stamp)

	var triangulated, untriangulated []uint64
	var points []r3.Vector
	var pixels []r2.Point
	for _, obs := range observations {
		lm, ok := fe.landmarks.Get(obs.LandmarkID)
		if !ok {
			continue
		}
		if lm.Triangulated {
			triangulated = append(triangulated, obs.LandmarkID)
			points = append(points, lm.Position)
			pixels = append(pixels, obs.Pixel)
		} else {
			untriangulated = append(untriangulated, obs.LandmarkID)
		}
	}
	sortIDs(triangulated)
	sortIDs(untriangulated)

	if len(points) < minPnPCorrespondences {
		return nil, triangulated, untriangulated, errors.Wrapf(utils.ErrUnderconstrained,
			"%d correspondences at %v", len(points), stamp)
	}

	initialCam := spatialmath.Compose(fe.lastPose, fe.tBodyCam)
	camPose, _, err := SolvePnP(fe.cam, points, pixels, initialCam, DefaultPnPConfig(), nil, fe.rnd)
	if err != nil {
		return nil, triangulated, untriangulated, err
	}
	bodyPose := spatialmath.Compose(camPose, spatialmath.PoseInverse(fe.tBodyCam))
	fe.lastPose = bodyPose
	return bodyPose, triangulated, untriangulated, nil
}

// IsKeyframe applies the keyframe policy: enough time must have passed since
// the last keyframe, and either parallax is high, tracks have dropped, or the
// window of non-keyframes is exhausted.
func (fe *FrontEnd) IsKeyframe(stamp time.Time, triangulated, untriangulated []uint64, tWorldBody spatialmath.Pose) bool {
	if len(fe.keyframes) == 0 {
		fe.recordKeyframe(stamp, tWorldBody)
		return true
	}
	lastKF := fe.keyframes[len(fe.keyframes)-1]
	if stamp.Sub(lastKF).Seconds() < fe.cfg.KeyframeMinTimeS {
		fe.addedSinceKF++
		return false
	}

	parallax := fe.meanParallax(lastKF, stamp, append(append([]uint64{}, triangulated...), untriangulated...))
	tracksLow := len(triangulated) < fe.cfg.KeyframeTracksDrop
	windowFull := fe.addedSinceKF >= fe.cfg.WindowSize-1

	if parallax > fe.cfg.KeyframeParallax || tracksLow || windowFull {
		fe.recordKeyframe(stamp, tWorldBody)
		return true
	}
	fe.addedSinceKF++
	return false
}

func (fe *FrontEnd) recordKeyframe(stamp time.Time, pose spatialmath.Pose) {
	fe.keyframes = append(fe.keyframes, stamp)
	if pose != nil {
		fe.keyframePoses[stamp] = pose
	}
	fe.addedSinceKF = 0
}

// meanParallax is the mean pixel distance between corresponding observations
// in the two frames.
func (fe *FrontEnd) meanParallax(from, to time.Time, ids []uint64) float64 {
	var dists []float64
	for _, id := range ids {
		lm, ok := fe.landmarks.Get(id)
		if !ok {
			continue
		}
		a, okA := lm.ObservationAt(from)
		b, okB := lm.ObservationAt(to)
		if !okA || !okB {
			continue
		}
		dists = append(dists, a.Sub(b).Norm())
	}
	if len(dists) == 0 {
		return 0
	}
	mean, err := stats.Mean(dists)
	if err != nil {
		return 0
	}
	return mean
}

// ExtendMap emits reprojection constraints for every triangulated landmark
// observed at the keyframe and triangulates every untriangulated landmark
// with enough keyframe observations, adding the new landmark variables and
// their constraints across all observing keyframes.
func (fe *FrontEnd) ExtendMap(stamp time.Time, triangulated, untriangulated []uint64) *graph.Transaction {
	tx := graph.NewTransaction(stamp)

	for _, id := range triangulated {
		lm, ok := fe.landmarks.Get(id)
		if !ok {
			continue
		}
		px, ok := lm.ObservationAt(stamp)
		if !ok {
			continue
		}
		tx.AddConstraint(graph.NewReprojection(frontEndSource, stamp, id, px,
			fe.cam.Intrinsics, fe.tBodyCam, fe.pixelCov))
	}

	for _, id := range untriangulated {
		lm, ok := fe.landmarks.Get(id)
		if !ok {
			continue
		}
		stamps := lm.ObservingStamps()
		views := make([]View, 0, len(stamps))
		var keyframeStamps []time.Time
		for _, s := range stamps {
			pose, ok := fe.keyframePoses[s]
			if !ok {
				continue
			}
			px, _ := lm.ObservationAt(s)
			views = append(views, View{
				TWorldCam: spatialmath.Compose(pose, fe.tBodyCam),
				Pixel:     px,
			})
			keyframeStamps = append(keyframeStamps, s)
		}
		if len(views) < minTriangulationViews {
			continue
		}
		point, err := Triangulate(fe.cam, views, fe.cfg.MaxTriangulationM)
		if err != nil {
			fe.warn.Warnf("triangulation", "landmark %d: %v", id, err)
			continue
		}
		fe.landmarks.SetTriangulated(id, point)
		tx.AddVariable(graph.NewLandmarkVariable(id, point))
		for _, s := range keyframeStamps {
			px, _ := lm.ObservationAt(s)
			tx.AddConstraint(graph.NewReprojection(frontEndSource, s, id, px,
				fe.cam.Intrinsics, fe.tBodyCam, fe.pixelCov))
		}
	}
	return tx
}

// UpdateFromGraph refreshes landmark positions and keyframe poses from the
// estimator.
func (fe *FrontEnd) UpdateFromGraph(g graph.Snapshot) {
	for stamp := range fe.keyframePoses {
		qv, okQ := g.Variable(graph.StampedID(graph.TypeOrientation, stamp))
		pv, okP := g.Variable(graph.StampedID(graph.TypePosition, stamp))
		if okQ && okP {
			fe.keyframePoses[stamp] = spatialmath.NewPose(pv.Vector(),
				spatialmath.NewOrientationFromQuaternion(qv.Quaternion()))
		}
	}
	fe.refreshLandmarks(g)
	if len(fe.keyframes) > 0 {
		if pose, ok := fe.keyframePoses[fe.keyframes[len(fe.keyframes)-1]]; ok {
			fe.lastPose = pose
		}
	}
}

func (fe *FrontEnd) refreshLandmarks(g graph.Snapshot) {
	fe.landmarks.mu.Lock()
	defer fe.landmarks.mu.Unlock()
	for id, lm := range fe.landmarks.landmarks {
		if !lm.Triangulated {
			continue
		}
		if v, ok := g.Variable(graph.LandmarkVarID(id)); ok {
			lm.Position = v.Vector()
		}
	}
}

// Keyframes returns the keyframe stamps in order.
func (fe *FrontEnd) Keyframes() []time.Time {
	return fe.keyframes
}

// KeyframePose returns the recorded pose of a keyframe.
func (fe *FrontEnd) KeyframePose(stamp time.Time) (spatialmath.Pose, bool) {
	pose, ok := fe.keyframePoses[stamp]
	return pose, ok
}

func sortIDs(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
