package initializer

import (
	"context"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/imu"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
	"github.com/helixrobotics/helixslam/vision"
)

func stampAt(sec float64) time.Time {
	return time.Unix(0, int64(sec*float64(time.Second))).UTC()
}

const testAccel = 0.3 // m/s^2 along +X

// truthPosition follows p(t) = a t^2 / 2 along x.
func truthPosition(t float64) r3.Vector {
	return r3.Vector{X: 0.5 * testAccel * t * t}
}

func newTestPreintegrator(t *testing.T) *imu.Preintegrator {
	t.Helper()
	pi, err := imu.NewPreintegrator(imu.Params{
		Noise: imu.NoiseParams{
			GyroNoise:      1e-4,
			AccelNoise:     1e-3,
			GyroBiasNoise:  1e-6,
			AccelBiasNoise: 1e-5,
		},
		PriorNoise: 1e-3,
		Gravity:    r3.Vector{Z: -9.81},
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return pi
}

func truthPath(duration, step float64) *Path {
	p := &Path{}
	for t := 0.0; t <= duration+1e-9; t += step {
		p.Entries = append(p.Entries, PathEntry{
			Stamp: stampAt(t),
			Pose:  spatialmath.NewPoseFromPoint(truthPosition(t)),
		})
	}
	return p
}

// pushIMURange feeds 100Hz samples with stamps in (from, to].
func pushIMURange(t *testing.T, pi *imu.Preintegrator, from, to float64) {
	t.Helper()
	for tick := int(from*100) + 1; tick <= int(to*100); tick++ {
		err := pi.PushSample(stampAt(float64(tick)/100),
			r3.Vector{},
			r3.Vector{X: testAccel, Z: 9.81})
		test.That(t, err, test.ShouldBeNil)
	}
}

func newTestInitializer(t *testing.T, pi *imu.Preintegrator) *Initializer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.InitMode = config.InitModeLidar
	cfg.MinTrajectoryLengthM = 2
	cam := vision.PinholeCamera{Width: 640, Height: 480,
		Intrinsics: graph.Intrinsics{Fx: 400, Fy: 400, Cx: 320, Cy: 240}}
	return New(cfg, cam, vision.NewScriptedTracker(), vision.NewLandmarkTable(), pi, nil, nil,
		golog.NewTestLogger(t))
}

// Path-seeded bootstrap over a 2.4m ground-truth trajectory with consistent
// IMU recovers gravity within 0.5% and scale within 1%.
func TestPathSeededInitialization(t *testing.T) {
	pi := newTestPreintegrator(t)
	ini := newTestInitializer(t, pi)
	ini.SetPath(truthPath(4, 0.5))

	for sec := 0; sec <= 4; sec++ {
		if sec > 0 {
			pushIMURange(t, pi, float64(sec-1), float64(sec))
		}
		added, err := ini.AddImageCandidate(stampAt(float64(sec)))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, added, test.ShouldBeTrue)
	}

	start := time.Now()
	result, err := ini.TryInitialize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, time.Since(start), test.ShouldBeLessThan, 5*time.Second)
	test.That(t, result.Success, test.ShouldBeTrue)
	test.That(t, ini.Initialized(), test.ShouldBeTrue)

	gravMag := result.Gravity.Norm()
	test.That(t, gravMag, test.ShouldAlmostEqual, 9.81, 0.005*9.81)
	test.That(t, result.Gravity.Z, test.ShouldBeLessThan, 0)
	test.That(t, result.Scale, test.ShouldAlmostEqual, 1, 0.01)

	// the handoff transaction seeds every keyframe state
	test.That(t, result.Transaction, test.ShouldNotBeNil)
	test.That(t, result.Transaction.Empty(), test.ShouldBeFalse)
	test.That(t, len(result.States), test.ShouldEqual, 5)
	final := result.States[len(result.States)-1]
	test.That(t, final.Position.X, test.ShouldAlmostEqual, truthPosition(4).X, 0.05)
	test.That(t, final.Velocity.X, test.ShouldAlmostEqual, testAccel*4, 0.05)
}

func TestTooFewCandidatesNotReady(t *testing.T) {
	pi := newTestPreintegrator(t)
	ini := newTestInitializer(t, pi)
	ini.SetPath(truthPath(4, 0.5))

	_, err := ini.AddImageCandidate(stampAt(0))
	test.That(t, err, test.ShouldBeNil)
	_, err = ini.TryInitialize(context.Background())
	test.That(t, errors.Is(err, utils.ErrNotReady), test.ShouldBeTrue)
	test.That(t, ini.Initialized(), test.ShouldBeFalse)
}

// A too-short path fails the attempt but preserves the accumulated buffers
// so a later attempt with a longer path succeeds.
func TestFailurePreservesBuffersForRetry(t *testing.T) {
	pi := newTestPreintegrator(t)
	ini := newTestInitializer(t, pi)
	ini.SetPath(truthPath(4, 0.5))
	ini.cfg.MinTrajectoryLengthM = 5 // longer than the 2.4m path

	for sec := 0; sec <= 4; sec++ {
		if sec > 0 {
			pushIMURange(t, pi, float64(sec-1), float64(sec))
		}
		_, err := ini.AddImageCandidate(stampAt(float64(sec)))
		test.That(t, err, test.ShouldBeNil)
	}

	_, err := ini.TryInitialize(context.Background())
	test.That(t, errors.Is(err, utils.ErrNotReady), test.ShouldBeTrue)
	test.That(t, ini.Initialized(), test.ShouldBeFalse)

	// retry after relaxing the requirement: the candidates are still there
	ini.cfg.MinTrajectoryLengthM = 2
	result, err := ini.TryInitialize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Success, test.ShouldBeTrue)
}

// The initialization window bounds candidate retention: old candidates and
// their intervals expire, and the bootstrap still succeeds on the retained
// tail with its own anchor prior.
func TestInitializationWindowTrimsCandidates(t *testing.T) {
	pi := newTestPreintegrator(t)
	ini := newTestInitializer(t, pi)
	ini.cfg.InitializationWindowS = 3.5
	ini.SetPath(truthPath(5, 0.5))

	for sec := 0; sec <= 5; sec++ {
		if sec > 0 {
			pushIMURange(t, pi, float64(sec-1), float64(sec))
		}
		added, err := ini.AddImageCandidate(stampAt(float64(sec)))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, added, test.ShouldBeTrue)
	}

	// stamps 0 and 1 fall out of the 3.5s window behind the newest candidate
	test.That(t, len(ini.candidates), test.ShouldEqual, 4)
	test.That(t, ini.candidates[0], test.ShouldResemble, stampAt(2))
	test.That(t, len(ini.intervals), test.ShouldEqual, 3)
	test.That(t, ini.anchorPriorRetained, test.ShouldBeFalse)

	result, err := ini.TryInitialize(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Success, test.ShouldBeTrue)
	test.That(t, result.Gravity.Norm(), test.ShouldAlmostEqual, 9.81, 0.005*9.81)
	test.That(t, result.Scale, test.ShouldAlmostEqual, 1, 0.01)
	test.That(t, len(result.States), test.ShouldEqual, 4)
}

func TestCandidateSpacing(t *testing.T) {
	pi := newTestPreintegrator(t)
	ini := newTestInitializer(t, pi)

	added, err := ini.AddImageCandidate(stampAt(0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, added, test.ShouldBeTrue)

	// under a second since the last candidate: ignored
	added, err = ini.AddImageCandidate(stampAt(0.5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, added, test.ShouldBeFalse)
}
