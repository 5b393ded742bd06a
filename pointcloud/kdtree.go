package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// KDTree extends PointCloud and provides efficient nearest-neighbor lookups.
type KDTree struct {
	PointCloud
	root *kdNode
}

type kdNode struct {
	point       PointAndData
	left, right *kdNode
	axis        int
}

// ToKDTree creates a KDTree from an input PointCloud.
func ToKDTree(cloud PointCloud) *KDTree {
	pts := make([]PointAndData, 0, cloud.Size())
	cloud.Iterate(func(p r3.Vector, d Data) bool {
		pts = append(pts, PointAndData{p, d})
		return true
	})
	return &KDTree{
		PointCloud: cloud,
		root:       buildKDNode(pts, 0),
	}
}

func buildKDNode(pts []PointAndData, depth int) *kdNode {
	if len(pts) == 0 {
		return nil
	}
	axis := depth % 3
	sort.Slice(pts, func(i, j int) bool {
		return axisValue(pts[i].P, axis) < axisValue(pts[j].P, axis)
	})
	median := len(pts) / 2
	return &kdNode{
		point: pts[median],
		axis:  axis,
		left:  buildKDNode(pts[:median], depth+1),
		right: buildKDNode(pts[median+1:], depth+1),
	}
}

func axisValue(p r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// NearestNeighbor returns the point in the tree closest to the given point,
// its data, and the distance between the two. ok is false for an empty tree.
func (t *KDTree) NearestNeighbor(p r3.Vector) (r3.Vector, Data, float64, bool) {
	if t.root == nil {
		return r3.Vector{}, nil, 0, false
	}
	best := t.root
	bestDist := p.Sub(best.point.P).Norm2()
	nearest(t.root, p, &best, &bestDist)
	return best.point.P, best.point.D, math.Sqrt(bestDist), true
}

func nearest(node *kdNode, p r3.Vector, best **kdNode, bestDist *float64) {
	if node == nil {
		return
	}
	d := p.Sub(node.point.P).Norm2()
	if d < *bestDist {
		*best = node
		*bestDist = d
	}
	diff := axisValue(p, node.axis) - axisValue(node.point.P, node.axis)
	near, far := node.left, node.right
	if diff > 0 {
		near, far = far, near
	}
	nearest(near, p, best, bestDist)
	if diff*diff < *bestDist {
		nearest(far, p, best, bestDist)
	}
}
