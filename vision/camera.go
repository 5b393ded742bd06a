// Package vision tracks image features through time, decides keyframes,
// maintains the landmark table, and produces reprojection constraints.
package vision

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/helixrobotics/helixslam/graph"
	"github.com/helixrobotics/helixslam/utils"
)

// PinholeCamera is the camera model loaded from camera_model.json.
type PinholeCamera struct {
	Width      int              `json:"width"`
	Height     int              `json:"height"`
	Intrinsics graph.Intrinsics `json:"intrinsics"`
}

// CameraFromFile reads a camera model from disk.
func CameraFromFile(path string) (PinholeCamera, error) {
	var cam PinholeCamera
	if err := utils.ReadJSONFromFile(path, &cam); err != nil {
		return cam, errors.Wrap(utils.ErrConfigInvalid, err.Error())
	}
	if err := cam.Validate(); err != nil {
		return cam, err
	}
	return cam, nil
}

// Validate checks the model for usability.
func (c PinholeCamera) Validate() error {
	if c.Intrinsics.Fx <= 0 || c.Intrinsics.Fy <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "camera focal lengths must be positive")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Wrap(utils.ErrConfigInvalid, "camera dimensions must be positive")
	}
	return nil
}

// Project maps a camera-frame point to pixels; ok is false behind the camera.
func (c PinholeCamera) Project(p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	return c.Intrinsics.Project(p.X, p.Y, p.Z), true
}

// Backproject returns the unit ray through the given pixel.
func (c PinholeCamera) Backproject(px r2.Point) r3.Vector {
	v := r3.Vector{
		X: (px.X - c.Intrinsics.Cx) / c.Intrinsics.Fx,
		Y: (px.Y - c.Intrinsics.Cy) / c.Intrinsics.Fy,
		Z: 1,
	}
	return v.Normalize()
}

// SaveToFile writes the camera model out as camera_model.json.
func (c PinholeCamera) SaveToFile(path string) error {
	return utils.WriteJSONToFile(path, c)
}
