package submap

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/config"
	"github.com/helixrobotics/helixslam/extrinsics"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
	"github.com/helixrobotics/helixslam/vision"
)

// TrajectoryEntry is one optimized (or initial) trajectory sample.
type TrajectoryEntry struct {
	Stamp time.Time
	Pose  spatialmath.Pose
}

// GlobalMap archives completed submaps and the trajectory, and persists the
// full per-run layout.
type GlobalMap struct {
	cfg    config.Config
	logger golog.Logger

	submaps             []*Submap
	trajectoryInitial   []TrajectoryEntry
	trajectoryOptimized []TrajectoryEntry

	camera *vision.PinholeCamera
	frames *config.FrameIDs
	ext    *extrinsics.Registry
}

// NewGlobalMap creates an empty global map.
func NewGlobalMap(cfg config.Config, logger golog.Logger) *GlobalMap {
	return &GlobalMap{cfg: cfg, logger: logger}
}

// SetCalibration attaches the calibration artifacts persisted with the map.
func (gm *GlobalMap) SetCalibration(cam *vision.PinholeCamera, frames *config.FrameIDs, ext *extrinsics.Registry) {
	gm.camera = cam
	gm.frames = frames
	gm.ext = ext
}

// Archive appends a completed submap; submaps are immutable once archived
// except for their anchor pose.
func (gm *GlobalMap) Archive(s *Submap) {
	gm.submaps = append(gm.submaps, s)
}

// Submaps returns the archived submaps.
func (gm *GlobalMap) Submaps() []*Submap { return gm.submaps }

// AppendTrajectory records a trajectory sample; initial entries keep the
// first pose ever seen for a stamp, optimized entries overwrite.
func (gm *GlobalMap) AppendTrajectory(stamp time.Time, pose spatialmath.Pose) {
	for _, e := range gm.trajectoryInitial {
		if e.Stamp.Equal(stamp) {
			gm.setOptimized(stamp, pose)
			return
		}
	}
	gm.trajectoryInitial = append(gm.trajectoryInitial, TrajectoryEntry{Stamp: stamp, Pose: pose})
	gm.trajectoryOptimized = append(gm.trajectoryOptimized, TrajectoryEntry{Stamp: stamp, Pose: pose})
}

func (gm *GlobalMap) setOptimized(stamp time.Time, pose spatialmath.Pose) {
	for i, e := range gm.trajectoryOptimized {
		if e.Stamp.Equal(stamp) {
			gm.trajectoryOptimized[i].Pose = pose
			return
		}
	}
	gm.trajectoryOptimized = append(gm.trajectoryOptimized, TrajectoryEntry{Stamp: stamp, Pose: pose})
}

// Trajectory returns the optimized trajectory ordered by stamp.
func (gm *GlobalMap) Trajectory() []TrajectoryEntry {
	out := append([]TrajectoryEntry(nil), gm.trajectoryOptimized...)
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

// FullCloud concatenates every submap's lidar points in the world frame.
func (gm *GlobalMap) FullCloud() pointcloud.PointCloud {
	out := pointcloud.New()
	for _, s := range gm.submaps {
		//nolint:errcheck
		pointcloud.MergeInto(out, s.Lidar(), s.Anchor())
	}
	return out
}

// Save writes the per-run layout into dir: params.json, calibration files,
// one submap_<k>/ directory per submap, and the trajectory artifacts.
func (gm *GlobalMap) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := gm.cfg.SaveToFile(filepath.Join(dir, "params.json")); err != nil {
		return err
	}
	if gm.camera != nil {
		if err := gm.camera.SaveToFile(filepath.Join(dir, "camera_model.json")); err != nil {
			return err
		}
	}
	if gm.frames != nil {
		if err := gm.frames.SaveToFile(filepath.Join(dir, "frame_ids.json")); err != nil {
			return err
		}
	}
	if gm.ext != nil {
		if err := gm.ext.SaveToFile(filepath.Join(dir, "extrinsics.json")); err != nil {
			return err
		}
	}
	for _, s := range gm.submaps {
		if err := s.Save(dir); err != nil {
			return errors.Wrapf(err, "saving submap %d", s.Index)
		}
	}

	if err := gm.saveTrajectory(dir, "global_map_trajectory_initial", gm.sortedInitial()); err != nil {
		return err
	}
	return gm.saveTrajectory(dir, "global_map_trajectory_optimized", gm.Trajectory())
}

func (gm *GlobalMap) sortedInitial() []TrajectoryEntry {
	out := append([]TrajectoryEntry(nil), gm.trajectoryInitial...)
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp.Before(out[j].Stamp) })
	return out
}

func (gm *GlobalMap) saveTrajectory(dir, base string, entries []TrajectoryEntry) error {
	traj := trajectoryJSON{}
	cloud := pointcloud.New()
	for _, e := range entries {
		traj.Keyframes = append(traj.Keyframes, trajectoryEntryJSON{
			StampNanos: e.Stamp.UnixNano(),
			Pose:       poseToJSON(e.Pose),
		})
		//nolint:errcheck
		cloud.Set(e.Pose.Point(), nil)
	}
	if err := utils.WriteJSONToFile(filepath.Join(dir, base+".json"), traj); err != nil {
		return err
	}
	return pointcloud.WriteToFile(cloud, filepath.Join(dir, base+".pcd"))
}

// Load reads a previously saved global map from dir into a fresh instance.
func Load(dir string, logger golog.Logger) (*GlobalMap, error) {
	cfg, err := config.FromFile(filepath.Join(dir, "params.json"))
	if err != nil {
		return nil, err
	}
	gm := NewGlobalMap(cfg, logger)

	if cam, err := vision.CameraFromFile(filepath.Join(dir, "camera_model.json")); err == nil {
		gm.camera = &cam
	}
	if frames, err := config.FrameIDsFromFile(filepath.Join(dir, "frame_ids.json")); err == nil {
		gm.frames = &frames
	}
	if ext, err := extrinsics.LoadFromFile(filepath.Join(dir, "extrinsics.json")); err == nil {
		gm.ext = ext
	}

	for index := 0; ; index++ {
		if _, err := os.Stat(filepath.Join(dir, submapDirName(index))); err != nil {
			break
		}
		s, err := LoadSubmap(dir, index)
		if err != nil {
			return nil, err
		}
		gm.submaps = append(gm.submaps, s)
	}

	gm.trajectoryInitial, err = loadTrajectory(filepath.Join(dir, "global_map_trajectory_initial.json"))
	if err != nil {
		return nil, err
	}
	gm.trajectoryOptimized, err = loadTrajectory(filepath.Join(dir, "global_map_trajectory_optimized.json"))
	if err != nil {
		return nil, err
	}
	return gm, nil
}

func loadTrajectory(path string) ([]TrajectoryEntry, error) {
	var traj trajectoryJSON
	if err := utils.ReadJSONFromFile(path, &traj); err != nil {
		return nil, err
	}
	out := make([]TrajectoryEntry, 0, len(traj.Keyframes))
	for _, e := range traj.Keyframes {
		pose, err := poseFromJSON(e.Pose)
		if err != nil {
			return nil, err
		}
		out = append(out, TrajectoryEntry{Stamp: time.Unix(0, e.StampNanos).UTC(), Pose: pose})
	}
	return out, nil
}

func submapDirName(index int) string {
	return "submap_" + strconv.Itoa(index)
}
