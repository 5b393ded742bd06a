package pointcloud

import (
	"github.com/golang/geo/r3"

	"github.com/helixrobotics/helixslam/spatialmath"
)

// ApplyPose returns a new point cloud with every point transformed by the
// given pose.
func ApplyPose(cloud PointCloud, pose spatialmath.Pose) PointCloud {
	out := NewWithPrealloc(cloud.Size())
	cloud.Iterate(func(p r3.Vector, d Data) bool {
		// Set on a fresh cloud cannot fail.
		//nolint:errcheck
		out.Set(spatialmath.TransformPoint(pose, p), d)
		return true
	})
	return out
}

// MergeInto copies every point of src into dst, transformed by pose.
func MergeInto(dst, src PointCloud, pose spatialmath.Pose) error {
	var err error
	src.Iterate(func(p r3.Vector, d Data) bool {
		err = dst.Set(spatialmath.TransformPoint(pose, p), d)
		return err == nil
	})
	return err
}

// Clone returns a deep copy of the given cloud.
func Clone(cloud PointCloud) PointCloud {
	return ApplyPose(cloud, spatialmath.NewZeroPose())
}
