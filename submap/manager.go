package submap

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
)

const managerSource = "submap_manager"

// Manager observes the post-optimization trajectory and slices it into
// fixed-radius submaps, routing measurements into the right one.
type Manager struct {
	cfg    config.Config
	logger golog.Logger

	submaps []*Submap
	cov     *mat.SymDense
}

// NewManager creates a submap manager.
func NewManager(cfg config.Config, logger golog.Logger) *Manager {
	cov := mat.NewSymDense(6, nil)
	for i, d := range cfg.LocalMapperCovDiag {
		cov.SetSym(i, i, d)
	}
	return &Manager{cfg: cfg, logger: logger, cov: cov}
}

// Submaps returns the online submaps, oldest first.
func (m *Manager) Submaps() []*Submap { return m.submaps }

// Update consults the current baselink pose after an optimization. When the
// position exceeds submap_size from both the previous and current submap
// anchors, a new submap is created and its InitiateNewSubmapPose transaction
// returned: the anchor variable plus a prior (first submap) or a relative
// constraint to the previous anchor.
func (m *Manager) Update(stamp time.Time, tWorldBaselink spatialmath.Pose) *graph.Transaction {
	if len(m.submaps) == 0 {
		return m.initiate(stamp, tWorldBaselink)
	}

	p := tWorldBaselink.Point()
	current := m.submaps[len(m.submaps)-1]
	if current.DistanceTo(p) <= m.cfg.SubmapSize {
		current.AddKeyframe(stamp, tWorldBaselink)
		return nil
	}
	if len(m.submaps) > 1 {
		previous := m.submaps[len(m.submaps)-2]
		if previous.DistanceTo(p) <= m.cfg.SubmapSize {
			previous.AddKeyframe(stamp, tWorldBaselink)
			return nil
		}
	}
	return m.initiate(stamp, tWorldBaselink)
}

// initiate creates the next submap; submap creation is strictly monotonic.
func (m *Manager) initiate(stamp time.Time, anchor spatialmath.Pose) *graph.Transaction {
	s := NewSubmap(len(m.submaps), stamp, anchor)
	s.AddKeyframe(stamp, anchor)

	tx := graph.NewTransaction(stamp)
	tx.AddVariable(graph.NewOrientationVariable(stamp, anchor.Orientation().Quaternion()))
	tx.AddVariable(graph.NewPositionVariable(stamp, anchor.Point()))

	if len(m.submaps) == 0 {
		tx.AddConstraint(graph.NewPosePrior(managerSource, stamp, anchor, m.covCopy()))
	} else {
		prev := m.submaps[len(m.submaps)-1]
		rel := spatialmath.PoseBetween(prev.Anchor(), anchor)
		tx.AddConstraint(graph.NewRelativePose(managerSource, prev.Stamp, stamp, rel, m.covCopy()))
	}

	m.submaps = append(m.submaps, s)
	return tx
}

// AddCameraMeasurement routes a visual keypoint into the current submap: the
// one whose anchor is within submap_size of the world position, preferring
// the previous submap when both qualify. It reports whether a submap took it.
func (m *Manager) AddCameraMeasurement(id uint64, world r3.Vector, pixel r2.Point, wordID uint32) bool {
	s := m.route(world)
	if s == nil {
		return false
	}
	s.AddKeypoint(id, world, pixel, wordID)
	return true
}

// AddLidarMeasurement routes a world-frame scan (and optional LOAM feature
// clouds) into the current submap.
func (m *Manager) AddLidarMeasurement(pose spatialmath.Pose, cloud pointcloud.PointCloud, loam *LoamClouds) bool {
	s := m.route(pose.Point())
	if s == nil {
		return false
	}
	if cloud != nil && (m.cfg.StoreFullCloud || loam == nil) {
		if err := s.AddLidar(cloud); err != nil {
			return false
		}
	}
	if loam != nil {
		if err := s.AddLoam(*loam); err != nil {
			return false
		}
	}
	return true
}

// route picks the submap for a world position: previous first, then current.
func (m *Manager) route(p r3.Vector) *Submap {
	if len(m.submaps) == 0 {
		return nil
	}
	if len(m.submaps) > 1 {
		previous := m.submaps[len(m.submaps)-2]
		if previous.DistanceTo(p) <= m.cfg.SubmapSize {
			return previous
		}
	}
	current := m.submaps[len(m.submaps)-1]
	if current.DistanceTo(p) <= m.cfg.SubmapSize {
		return current
	}
	return nil
}

// UpdateFromGraph refreshes every submap anchor from the estimator.
func (m *Manager) UpdateFromGraph(g graph.Snapshot) {
	for _, s := range m.submaps {
		s.UpdateFromGraph(g)
	}
}

func (m *Manager) covCopy() *mat.SymDense {
	out := mat.NewSymDense(6, nil)
	out.CopySym(m.cov)
	return out
}
