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

const scanToMapSource = "lidar_scan_to_map"

// ScanToMap registers each new scan against a rolling local map built from
// the most recent map_size scans, transformed into the map frame.
type ScanToMap struct {
	cfg     config.Config
	matcher Matcher
	logger  golog.Logger
	warn    *utils.ThrottledLogger

	// scans retained in the map, oldest first; clouds are stored in the scan
	// frame and composed into the map frame on demand.
	scans []*ScanPose
}

// NewScanToMap creates a scan-to-map registrar.
func NewScanToMap(cfg config.Config, matcher Matcher, logger golog.Logger) (*ScanToMap, error) {
	if cfg.MapSize <= 0 {
		return nil, errors.Wrap(utils.ErrConfigInvalid, "map_size must be positive")
	}
	return &ScanToMap{
		cfg:     cfg,
		matcher: matcher,
		logger:  logger,
		warn:    utils.NewThrottledLogger(logger, nil, time.Second),
	}, nil
}

// Map returns the current rolling map in the map (world) frame.
func (s *ScanToMap) Map() pointcloud.PointCloud {
	out := pointcloud.New()
	for _, sp := range s.scans {
		//nolint:errcheck
		pointcloud.MergeInto(out, sp.Cloud, sp.Pose)
	}
	return out
}

// Register handles a new scan per the scan-to-map policy.
func (s *ScanToMap) Register(ctx context.Context, stamp time.Time, cloud pointcloud.PointCloud, initialPose spatialmath.Pose) (*graph.Transaction, error) {
	if cloud == nil || cloud.Size() == 0 {
		s.warn.Warnf("lidar_empty_scan", "refusing empty scan at %v", stamp)
		return nil, errors.Wrap(utils.ErrUnderconstrained, "empty scan")
	}
	cloud = prepare(cloud, s.cfg.DownsampleSize)
	sp := NewScanPose(stamp, initialPose, cloud)

	tx := graph.NewTransaction(stamp)
	if len(s.scans) == 0 {
		for _, v := range sp.variables() {
			tx.AddVariable(v)
		}
		tx.AddConstraint(graph.NewPosePrior(scanToMapSource, stamp, initialPose,
			constraintCovariance(nil, s.cfg.LocalMapperCovDiag, s.cfg.LidarInfoWeight)))
		s.scans = append(s.scans, sp)
		return tx, nil
	}

	prev := s.scans[len(s.scans)-1]
	s.matcher.SetRef(s.Map())
	s.matcher.SetTarget(cloud)
	if err := s.matcher.Match(ctx, initialPose); err != nil {
		s.warn.Warnf("lidar_matcher_failure", "scan-to-map match failed at %v: %v", stamp, err)
		return nil, errors.Wrap(utils.ErrMatcherFailure, err.Error())
	}
	tMapScan := s.matcher.Result()

	// relative constraint to the previous kept pose
	tPrevScan := spatialmath.PoseBetween(prev.Pose, tMapScan)
	tx.AddConstraint(graph.NewRelativePose(scanToMapSource, prev.Stamp, stamp, tPrevScan,
		constraintCovariance(s.matcher.Info(), s.cfg.MatcherNoiseDiagonal, s.cfg.LidarInfoWeight)))

	sp.Pose = tMapScan
	for _, v := range sp.variables() {
		tx.AddVariable(v)
	}

	s.scans = append(s.scans, sp)
	if len(s.scans) > s.cfg.MapSize {
		s.scans = s.scans[len(s.scans)-s.cfg.MapSize:]
	}
	return tx, nil
}

// UpdateFromGraph refreshes every retained scan pose from the estimator.
func (s *ScanToMap) UpdateFromGraph(g graph.Snapshot) {
	for _, sp := range s.scans {
		sp.UpdateFromGraph(g)
	}
}
