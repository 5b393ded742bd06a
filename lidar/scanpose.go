package lidar

import (
	"time"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
)

// ScanPose pairs a lidar scan with its world-frame pose estimate.
type ScanPose struct {
	Stamp time.Time
	// Pose is the current T_world_scan estimate, mutated by estimator updates.
	Pose  spatialmath.Pose
	Cloud pointcloud.PointCloud
	// Updates increments each time the pose is pulled from the estimator.
	Updates int
}

// NewScanPose creates a ScanPose.
func NewScanPose(stamp time.Time, pose spatialmath.Pose, cloud pointcloud.PointCloud) *ScanPose {
	return &ScanPose{Stamp: stamp, Pose: pose, Cloud: cloud}
}

// UpdateFromGraph refreshes the pose from the graph when the variables exist.
func (sp *ScanPose) UpdateFromGraph(g graph.Snapshot) bool {
	qv, okQ := g.Variable(graph.StampedID(graph.TypeOrientation, sp.Stamp))
	pv, okP := g.Variable(graph.StampedID(graph.TypePosition, sp.Stamp))
	if !okQ || !okP {
		return false
	}
	sp.Pose = spatialmath.NewPose(pv.Vector(), spatialmath.NewOrientationFromQuaternion(qv.Quaternion()))
	sp.Updates++
	return true
}

// variables returns the graph variables of the scan pose.
func (sp *ScanPose) variables() []*graph.Variable {
	return []*graph.Variable{
		graph.NewOrientationVariable(sp.Stamp, sp.Pose.Orientation().Quaternion()),
		graph.NewPositionVariable(sp.Stamp, sp.Pose.Point()),
	}
}
