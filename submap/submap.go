// Package submap chunks the optimized trajectory into fixed-spatial submaps,
// archives them into the global map, and closes loops between them.
package submap

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/pointcloud"
	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// LoamClouds split a scan into the four feature categories used by
// feature-based lidar matchers.
type LoamClouds struct {
	EdgesStrong    pointcloud.PointCloud
	EdgesWeak      pointcloud.PointCloud
	SurfacesStrong pointcloud.PointCloud
	SurfacesWeak   pointcloud.PointCloud
}

func newLoamClouds() LoamClouds {
	return LoamClouds{
		EdgesStrong:    pointcloud.New(),
		EdgesWeak:      pointcloud.New(),
		SurfacesStrong: pointcloud.New(),
		SurfacesWeak:   pointcloud.New(),
	}
}

// Keypoint is a visual keypoint archived into a submap, expressed in the
// submap frame.
type Keypoint struct {
	LandmarkID uint64    `json:"landmark_id"`
	Position   []float64 `json:"position"`
	Pixel      []float64 `json:"pixel"`
	WordID     uint32    `json:"word_id,omitempty"`
}

// Submap is a spatially bounded chunk of the trajectory with its own anchor
// pose; the unit of loop closure.
type Submap struct {
	Index int
	// Stamp is the anchor keyframe's stamp.
	Stamp time.Time

	// anchorInitial is the anchor pose at creation and is never mutated;
	// anchor tracks the estimator.
	anchorInitial spatialmath.Pose
	anchor        spatialmath.Pose

	// keyframes maps stamp to T_submap_keyframe.
	keyframes map[time.Time]spatialmath.Pose

	lidar     pointcloud.PointCloud
	loam      LoamClouds
	keypoints []Keypoint
}

// NewSubmap creates a submap anchored at the given world pose.
func NewSubmap(index int, stamp time.Time, anchor spatialmath.Pose) *Submap {
	return &Submap{
		Index:         index,
		Stamp:         stamp,
		anchorInitial: anchor,
		anchor:        anchor,
		keyframes:     map[time.Time]spatialmath.Pose{},
		lidar:         pointcloud.New(),
		loam:          newLoamClouds(),
	}
}

// InitialAnchor returns the never-mutated creation anchor.
func (s *Submap) InitialAnchor() spatialmath.Pose { return s.anchorInitial }

// Anchor returns the current anchor pose.
func (s *Submap) Anchor() spatialmath.Pose { return s.anchor }

// Lidar returns the archived lidar points in the submap frame.
func (s *Submap) Lidar() pointcloud.PointCloud { return s.lidar }

// Loam returns the archived LOAM feature clouds in the submap frame.
func (s *Submap) Loam() LoamClouds { return s.loam }

// Keypoints returns the archived visual keypoints.
func (s *Submap) Keypoints() []Keypoint { return s.keypoints }

// DistanceTo returns the distance from the anchor to a world position.
func (s *Submap) DistanceTo(p r3.Vector) float64 {
	return s.anchor.Point().Sub(p).Norm()
}

// AddKeyframe stores a keyframe pose relative to the anchor.
func (s *Submap) AddKeyframe(stamp time.Time, tWorldBaselink spatialmath.Pose) {
	s.keyframes[stamp] = spatialmath.PoseBetween(s.anchor, tWorldBaselink)
}

// KeyframeStamps returns the contained keyframe stamps, sorted.
func (s *Submap) KeyframeStamps() []time.Time {
	out := make([]time.Time, 0, len(s.keyframes))
	for stamp := range s.keyframes {
		out = append(out, stamp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Keyframe returns T_submap_keyframe for a contained stamp.
func (s *Submap) Keyframe(stamp time.Time) (spatialmath.Pose, bool) {
	pose, ok := s.keyframes[stamp]
	return pose, ok
}

// AddLidar merges a world-frame cloud into the submap frame.
func (s *Submap) AddLidar(cloud pointcloud.PointCloud) error {
	return pointcloud.MergeInto(s.lidar, cloud, spatialmath.PoseInverse(s.anchor))
}

// AddLoam merges world-frame LOAM feature clouds into the submap frame.
func (s *Submap) AddLoam(clouds LoamClouds) error {
	inv := spatialmath.PoseInverse(s.anchor)
	for _, pair := range []struct {
		dst pointcloud.PointCloud
		src pointcloud.PointCloud
	}{
		{s.loam.EdgesStrong, clouds.EdgesStrong},
		{s.loam.EdgesWeak, clouds.EdgesWeak},
		{s.loam.SurfacesStrong, clouds.SurfacesStrong},
		{s.loam.SurfacesWeak, clouds.SurfacesWeak},
	} {
		if pair.src == nil {
			continue
		}
		if err := pointcloud.MergeInto(pair.dst, pair.src, inv); err != nil {
			return err
		}
	}
	return nil
}

// AddKeypoint archives a visual keypoint given in world coordinates.
func (s *Submap) AddKeypoint(id uint64, world r3.Vector, pixel r2.Point, wordID uint32) {
	local := spatialmath.TransformPoint(spatialmath.PoseInverse(s.anchor), world)
	s.keypoints = append(s.keypoints, Keypoint{
		LandmarkID: id,
		Position:   []float64{local.X, local.Y, local.Z},
		Pixel:      []float64{pixel.X, pixel.Y},
		WordID:     wordID,
	})
}

// KeypointCloud returns the keypoints as a point cloud in the submap frame.
func (s *Submap) KeypointCloud() pointcloud.PointCloud {
	out := pointcloud.New()
	for _, kp := range s.keypoints {
		//nolint:errcheck
		out.Set(r3.Vector{X: kp.Position[0], Y: kp.Position[1], Z: kp.Position[2]}, nil)
	}
	return out
}

// UpdateFromGraph refreshes the anchor from the estimator.
func (s *Submap) UpdateFromGraph(g graph.Snapshot) bool {
	qv, okQ := g.Variable(graph.StampedID(graph.TypeOrientation, s.Stamp))
	pv, okP := g.Variable(graph.StampedID(graph.TypePosition, s.Stamp))
	if !okQ || !okP {
		return false
	}
	s.anchor = spatialmath.NewPose(pv.Vector(), spatialmath.NewOrientationFromQuaternion(qv.Quaternion()))
	return true
}

// anchorJSON is the persisted form of a submap anchor and its keyframes.
type anchorJSON struct {
	Index         int        `json:"index"`
	StampNanos    int64      `json:"stamp_nanos"`
	AnchorInitial poseJSON   `json:"anchor_initial"`
	Anchor        poseJSON   `json:"anchor"`
	Keypoints     []Keypoint `json:"keypoints"`
}

type poseJSON struct {
	Translation []float64 `json:"translation"`
	Rotation    []float64 `json:"rotation"`
}

func poseToJSON(p spatialmath.Pose) poseJSON {
	q := p.Orientation().Quaternion()
	t := p.Point()
	return poseJSON{
		Translation: []float64{canonical(t.X), canonical(t.Y), canonical(t.Z)},
		Rotation:    []float64{canonical(q.Real), canonical(q.Imag), canonical(q.Jmag), canonical(q.Kmag)},
	}
}

// canonical rounds persisted floats so that a load/save cycle reproduces the
// file byte for byte despite last-ulp wobble in the pose algebra.
func canonical(v float64) float64 {
	r := math.Round(v*1e12) / 1e12
	if r == 0 {
		// a tiny negative value rounds to -0; persist it as 0
		return 0
	}
	return r
}

func poseFromJSON(pj poseJSON) (spatialmath.Pose, error) {
	if len(pj.Translation) != 3 || len(pj.Rotation) != 4 {
		return nil, errors.New("pose needs translation[3] and rotation[4]")
	}
	q := quat.Number{Real: pj.Rotation[0], Imag: pj.Rotation[1], Jmag: pj.Rotation[2], Kmag: pj.Rotation[3]}
	t := r3.Vector{X: pj.Translation[0], Y: pj.Translation[1], Z: pj.Translation[2]}
	// within Normalize's tolerance the rounded quaternion is kept as stored,
	// and the pose then reports its translation scaled by the quaternion's
	// squared norm; divide that out so the persisted translation comes back
	if n2 := q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag; math.Abs(math.Sqrt(n2)-1) < 1e-10 {
		t = t.Mul(1 / n2)
	}
	return spatialmath.NewPose(t, spatialmath.NewOrientationFromQuaternion(q)), nil
}

type trajectoryJSON struct {
	Keyframes []trajectoryEntryJSON `json:"keyframes"`
}

type trajectoryEntryJSON struct {
	StampNanos int64    `json:"stamp_nanos"`
	Pose       poseJSON `json:"pose"`
}

// Save writes the submap into dir as submap_<index>/ per the persisted
// layout.
func (s *Submap) Save(dir string) error {
	sub := filepath.Join(dir, fmt.Sprintf("submap_%d", s.Index))
	if err := os.MkdirAll(sub, 0o755); err != nil {
		return err
	}
	if err := utils.WriteJSONToFile(filepath.Join(sub, "anchor.json"), anchorJSON{
		Index:         s.Index,
		StampNanos:    s.Stamp.UnixNano(),
		AnchorInitial: poseToJSON(s.anchorInitial),
		Anchor:        poseToJSON(s.anchor),
		Keypoints:     s.keypoints,
	}); err != nil {
		return err
	}

	traj := trajectoryJSON{}
	for _, stamp := range s.KeyframeStamps() {
		traj.Keyframes = append(traj.Keyframes, trajectoryEntryJSON{
			StampNanos: stamp.UnixNano(),
			Pose:       poseToJSON(s.keyframes[stamp]),
		})
	}
	if err := utils.WriteJSONToFile(filepath.Join(sub, "trajectory.json"), traj); err != nil {
		return err
	}

	for name, cloud := range map[string]pointcloud.PointCloud{
		"lidar.pcd":           s.lidar,
		"edges_strong.pcd":    s.loam.EdgesStrong,
		"edges_weak.pcd":      s.loam.EdgesWeak,
		"surfaces_strong.pcd": s.loam.SurfacesStrong,
		"surfaces_weak.pcd":   s.loam.SurfacesWeak,
		"keypoints.pcd":       s.KeypointCloud(),
	} {
		if err := pointcloud.WriteToFile(cloud, filepath.Join(sub, name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadSubmap reads a submap back from submap_<index>/ under dir.
func LoadSubmap(dir string, index int) (*Submap, error) {
	sub := filepath.Join(dir, fmt.Sprintf("submap_%d", index))
	var aj anchorJSON
	if err := utils.ReadJSONFromFile(filepath.Join(sub, "anchor.json"), &aj); err != nil {
		return nil, err
	}
	anchorInitial, err := poseFromJSON(aj.AnchorInitial)
	if err != nil {
		return nil, err
	}
	anchor, err := poseFromJSON(aj.Anchor)
	if err != nil {
		return nil, err
	}
	s := NewSubmap(aj.Index, time.Unix(0, aj.StampNanos).UTC(), anchorInitial)
	s.anchor = anchor
	s.keypoints = aj.Keypoints

	var traj trajectoryJSON
	if err := utils.ReadJSONFromFile(filepath.Join(sub, "trajectory.json"), &traj); err != nil {
		return nil, err
	}
	for _, e := range traj.Keyframes {
		pose, err := poseFromJSON(e.Pose)
		if err != nil {
			return nil, err
		}
		s.keyframes[time.Unix(0, e.StampNanos).UTC()] = pose
	}

	if s.lidar, err = pointcloud.NewFromFile(filepath.Join(sub, "lidar.pcd")); err != nil {
		return nil, err
	}
	if s.loam.EdgesStrong, err = pointcloud.NewFromFile(filepath.Join(sub, "edges_strong.pcd")); err != nil {
		return nil, err
	}
	if s.loam.EdgesWeak, err = pointcloud.NewFromFile(filepath.Join(sub, "edges_weak.pcd")); err != nil {
		return nil, err
	}
	if s.loam.SurfacesStrong, err = pointcloud.NewFromFile(filepath.Join(sub, "surfaces_strong.pcd")); err != nil {
		return nil, err
	}
	if s.loam.SurfacesWeak, err = pointcloud.NewFromFile(filepath.Join(sub, "surfaces_weak.pcd")); err != nil {
		return nil, err
	}
	return s, nil
}
