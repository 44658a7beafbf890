package compute

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// neighbourIndex answers nearest-neighbour queries against a fixed cloud.
type neighbourIndex interface {
	// nearest returns the closest indexed point to q and the squared
	// distance to it.
	nearest(q pointcloud.Point) (pointcloud.Point, float64)
}

func newNeighbourIndex(c pointcloud.PointCloud, strategy ClosestStrategy) neighbourIndex {
	if strategy == ClosestTree {
		return newTreeIndex(c)
	}
	return bruteForceIndex(c.Points)
}

type bruteForceIndex []pointcloud.Point

func (b bruteForceIndex) nearest(q pointcloud.Point) (pointcloud.Point, float64) {
	best := math.Inf(1)
	var bestPt pointcloud.Point
	for _, p := range b {
		dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
		d := dx*dx + dy*dy + dz*dz
		if d < best {
			best = d
			bestPt = p
		}
	}
	return bestPt, best
}

type treeIndex struct {
	tree *kdtree.Tree
}

func newTreeIndex(c pointcloud.PointCloud) *treeIndex {
	// kdtree.New reorders its input, so it gets its own slice.
	pts := make(kdtree.Points, len(c.Points))
	for i, p := range c.Points {
		pts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	return &treeIndex{tree: kdtree.New(pts, false)}
}

func (t *treeIndex) nearest(q pointcloud.Point) (pointcloud.Point, float64) {
	if t.tree.Root == nil {
		return pointcloud.Point{}, math.Inf(1)
	}
	got, d := t.tree.Nearest(kdtree.Point{q.X, q.Y, q.Z})
	p := got.(kdtree.Point)
	return pointcloud.Point{X: p[0], Y: p[1], Z: p[2]}, d
}
