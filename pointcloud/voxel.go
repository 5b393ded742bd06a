package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

type voxelKey struct {
	x, y, z int
}

// VoxelDownsample returns a cloud with at most one point per cubic voxel of
// the given size, each output point being the centroid of its voxel. A
// non-positive voxel size returns the input unchanged.
func VoxelDownsample(cloud PointCloud, voxelSize float64) PointCloud {
	if voxelSize <= 0 || cloud.Size() == 0 {
		return cloud
	}

	type accum struct {
		sum r3.Vector
		n   float64
		d   Data
	}
	voxels := make(map[voxelKey]*accum)
	cloud.Iterate(func(p r3.Vector, d Data) bool {
		k := voxelKey{
			x: int(math.Floor(p.X / voxelSize)),
			y: int(math.Floor(p.Y / voxelSize)),
			z: int(math.Floor(p.Z / voxelSize)),
		}
		a, ok := voxels[k]
		if !ok {
			a = &accum{d: d}
			voxels[k] = a
		}
		a.sum = a.sum.Add(p)
		a.n++
		return true
	})

	out := NewWithPrealloc(len(voxels))
	for _, a := range voxels {
		//nolint:errcheck
		out.Set(a.sum.Mul(1/a.n), a.d)
	}
	return out
}
