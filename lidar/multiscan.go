package lidar

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

const multiScanSource = "lidar_multiscan"

// fixedScanPriorSigma pins a scan pose when fix_first_scan is set.
const fixedScanPriorSigma = 1e-6

// MultiScan keeps a window of recent scans and registers each new scan
// against its most recent neighbors.
type MultiScan struct {
	cfg     config.Config
	matcher Matcher
	logger  golog.Logger
	warn    *utils.ThrottledLogger

	window []*ScanPose
	lag    time.Duration
}

// NewMultiScan creates a multi-scan registrar.
func NewMultiScan(cfg config.Config, matcher Matcher, logger golog.Logger) (*MultiScan, error) {
	if cfg.NumNeighbors <= 0 {
		return nil, errors.Wrap(utils.ErrConfigInvalid, "num_neighbors must be positive")
	}
	return &MultiScan{
		cfg:     cfg,
		matcher: matcher,
		logger:  logger,
		warn:    utils.NewThrottledLogger(logger, nil, time.Second),
		lag:     time.Duration(cfg.LagDuration * float64(time.Second)),
	}, nil
}

// Window returns the retained scans, oldest first.
func (m *MultiScan) Window() []*ScanPose {
	return m.window
}

// Register handles a new scan per the multi-scan policy: gate, match against
// up to num_neighbors recent scans, reject outliers, emit one relative-pose
// constraint per accepted match.
func (m *MultiScan) Register(ctx context.Context, stamp time.Time, cloud pointcloud.PointCloud, initialPose spatialmath.Pose) (*graph.Transaction, error) {
	if cloud == nil || cloud.Size() == 0 {
		m.warn.Warnf("lidar_empty_scan", "refusing empty scan at %v", stamp)
		return nil, errors.Wrap(utils.ErrUnderconstrained, "empty scan")
	}
	cloud = prepare(cloud, m.cfg.DownsampleSize)
	sp := NewScanPose(stamp, initialPose, cloud)

	if len(m.window) == 0 {
		tx := graph.NewTransaction(stamp)
		for _, v := range sp.variables() {
			tx.AddVariable(v)
		}
		if m.cfg.FixFirstScan {
			// pin the first scan: a near-zero covariance holds it in place
			// through every later optimization
			tx.AddConstraint(graph.NewPosePrior(multiScanSource, stamp, initialPose,
				graph.ScaledIdentityCovariance(6, fixedScanPriorSigma)))
		} else {
			// no prior exists yet, so seed one from the provided initial pose
			// at the ordinary mapping covariance to give the graph gauge
			tx.AddConstraint(graph.NewPosePrior(multiScanSource, stamp, initialPose,
				constraintCovariance(nil, m.cfg.LocalMapperCovDiag, m.cfg.LidarInfoWeight)))
		}
		m.window = append(m.window, sp)
		return tx, nil
	}

	// motion gate against the previous scan
	prev := m.window[len(m.window)-1]
	dTrans, dRot := spatialmath.PoseDelta(prev.Pose, initialPose)
	if dTrans < m.cfg.MinMotionTransM && dRot < m.cfg.MinMotionRotRad {
		return nil, nil
	}

	tx := graph.NewTransaction(stamp)
	neighbors := m.cfg.NumNeighbors
	if neighbors > len(m.window) {
		neighbors = len(m.window)
	}

	accepted := 0
	for i := len(m.window) - neighbors; i < len(m.window); i++ {
		neighbor := m.window[i]
		initRel := spatialmath.PoseBetween(neighbor.Pose, initialPose)

		m.matcher.SetRef(neighbor.Cloud)
		m.matcher.SetTarget(cloud)
		if err := m.matcher.Match(ctx, initRel); err != nil {
			m.warn.Warnf("lidar_matcher_failure", "matcher failed against scan %v: %v", neighbor.Stamp, err)
			continue
		}
		result := m.matcher.Result()

		// outlier gate: how far the matcher moved from the odometry estimate
		resTrans, resRot := spatialmath.PoseDelta(initRel, result)
		if resTrans > m.cfg.OutlierThresholdT || resRot > m.cfg.OutlierThresholdR {
			m.warn.Warnf("lidar_outlier", "rejecting match to %v: dt=%.3f dr=%.3f", neighbor.Stamp, resTrans, resRot)
			continue
		}

		tx.AddConstraint(graph.NewRelativePose(multiScanSource, neighbor.Stamp, stamp, result,
			constraintCovariance(m.matcher.Info(), m.cfg.MatcherNoiseDiagonal, m.cfg.LidarInfoWeight)))
		accepted++
	}

	if accepted == 0 {
		return nil, errors.Wrap(utils.ErrOutlier, "every neighbor match rejected")
	}

	for _, v := range sp.variables() {
		tx.AddVariable(v)
	}
	m.window = append(m.window, sp)
	m.expire(stamp)
	return tx, nil
}

// expire drops scans older than the lag duration; zero keeps everything.
func (m *MultiScan) expire(now time.Time) {
	if m.lag <= 0 {
		return
	}
	cutoff := now.Add(-m.lag)
	n := 0
	for n < len(m.window) && m.window[n].Stamp.Before(cutoff) {
		n++
	}
	m.window = m.window[n:]
}

// UpdateFromGraph refreshes every windowed scan pose from the estimator.
func (m *MultiScan) UpdateFromGraph(g graph.Snapshot) {
	for _, sp := range m.window {
		sp.UpdateFromGraph(g)
	}
}
