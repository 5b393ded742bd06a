// Package extrinsics provides the process-wide lookup of rigid transforms
// between sensor frames and the baselink frame. Static by default; optionally
// refreshed from a transform source.
package extrinsics

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/helixrobotics/helixslam/spatialmath"
	"github.com/helixrobotics/helixslam/utils"
)

// Source supplies transforms when the registry runs in dynamic mode.
type Source interface {
	// Lookup returns T_parent_child or an error when unavailable.
	Lookup(parent, child string) (spatialmath.Pose, error)
}

// Registry maps sensor frame names to their transform in the baselink frame.
// Callers always receive a copy, never a shared reference.
type Registry struct {
	mu       sync.RWMutex
	baselink string
	frames   map[string]spatialmath.Pose // frame -> T_baselink_frame
	source   Source
}

// NewRegistry creates a static registry for the given baselink frame name.
func NewRegistry(baselink string) *Registry {
	return &Registry{
		baselink: baselink,
		frames:   map[string]spatialmath.Pose{},
	}
}

// NewDynamicRegistry creates a registry that refreshes each lookup from the
// given source.
func NewDynamicRegistry(baselink string, source Source) *Registry {
	r := NewRegistry(baselink)
	r.source = source
	return r
}

// Baselink returns the canonical body frame name.
func (r *Registry) Baselink() string {
	return r.baselink
}

// Set stores T_baselink_frame for a sensor frame.
func (r *Registry) Set(frame string, t spatialmath.Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[frame] = t
}

// Get returns a copy of T_baselink_frame. In dynamic mode the transform is
// refreshed from the source first; a source failure falls back to the cached
// value when one exists.
func (r *Registry) Get(frame string) (spatialmath.Pose, error) {
	if frame == r.baselink {
		return spatialmath.NewZeroPose(), nil
	}
	if r.source != nil {
		if t, err := r.source.Lookup(r.baselink, frame); err == nil {
			r.mu.Lock()
			r.frames[frame] = t
			r.mu.Unlock()
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.frames[frame]
	if !ok {
		return nil, errors.Wrapf(utils.ErrExtrinsicsMissing, "no transform for frame %q", frame)
	}
	return copyPose(t), nil
}

// Between returns T_from_to derived from the stored baselink transforms.
func (r *Registry) Between(from, to string) (spatialmath.Pose, error) {
	tFrom, err := r.Get(from)
	if err != nil {
		return nil, err
	}
	tTo, err := r.Get(to)
	if err != nil {
		return nil, err
	}
	return spatialmath.PoseBetween(tFrom, tTo), nil
}

func copyPose(p spatialmath.Pose) spatialmath.Pose {
	return spatialmath.NewPose(p.Point(), p.Orientation())
}

// frameJSON is the on-disk form of one frame entry in extrinsics.json.
type frameJSON struct {
	Frame       string    `json:"frame"`
	Translation []float64 `json:"translation"` // x y z
	Rotation    []float64 `json:"rotation"`    // w x y z
}

type registryJSON struct {
	Baselink string      `json:"baselink"`
	Frames   []frameJSON `json:"frames"`
}

// LoadFromFile reads a registry from an extrinsics.json file.
func LoadFromFile(path string) (*Registry, error) {
	var file registryJSON
	if err := utils.ReadJSONFromFile(path, &file); err != nil {
		return nil, errors.Wrap(utils.ErrConfigInvalid, err.Error())
	}
	if file.Baselink == "" {
		return nil, errors.Wrap(utils.ErrConfigInvalid, "extrinsics missing baselink")
	}
	r := NewRegistry(file.Baselink)
	for _, f := range file.Frames {
		if len(f.Translation) != 3 || len(f.Rotation) != 4 {
			return nil, errors.Wrapf(utils.ErrConfigInvalid, "frame %q needs translation[3] and rotation[4]", f.Frame)
		}
		q := quat.Number{Real: f.Rotation[0], Imag: f.Rotation[1], Jmag: f.Rotation[2], Kmag: f.Rotation[3]}
		r.Set(f.Frame, spatialmath.NewPose(
			r3.Vector{X: f.Translation[0], Y: f.Translation[1], Z: f.Translation[2]},
			spatialmath.NewOrientationFromQuaternion(q),
		))
	}
	return r, nil
}

// SaveToFile writes the registry to an extrinsics.json file.
func (r *Registry) SaveToFile(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	file := registryJSON{Baselink: r.baselink}
	names := make([]string, 0, len(r.frames))
	for frame := range r.frames {
		names = append(names, frame)
	}
	sort.Strings(names)
	for _, frame := range names {
		t := r.frames[frame]
		q := t.Orientation().Quaternion()
		p := t.Point()
		file.Frames = append(file.Frames, frameJSON{
			Frame:       frame,
			Translation: []float64{p.X, p.Y, p.Z},
			Rotation:    []float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		})
	}
	return utils.WriteJSONToFile(path, file)
}
