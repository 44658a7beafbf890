package compute

import (
	"context"
	"fmt"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// PartitionCloud splits c into n slabs of equal width between the minimum
// and maximum coordinate along axis. Slab i holds the points whose
// coordinate falls in [lo+i*w, lo+(i+1)*w), the last slab also takes the
// maximum. Points keep their input order inside a slab, so every point
// lands in exactly one partition and the result is deterministic. Slabs
// may be empty.
func (*Local) PartitionCloud(ctx context.Context, c pointcloud.PointCloud, n int, axis pointcloud.Axis) ([]pointcloud.PointCloud, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: partition count %d", ErrInvalidPartition, n)
	}
	if !axis.Valid() {
		return nil, fmt.Errorf("%w: axis %q", ErrInvalidPartition, axis)
	}
	lo, hi, ok := c.Bounds(axis)
	if !ok {
		return nil, fmt.Errorf("%w: empty cloud", ErrInvalidPartition)
	}

	// Halving keeps the span finite for clouds near ±MaxFloat64.
	halfSpan := hi/2 - lo/2
	buckets := make([][]pointcloud.Point, n)
	for i, p := range c.Points {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		idx := slabIndex(p.Coord(axis), lo, halfSpan, n)
		buckets[idx] = append(buckets[idx], p)
	}

	parts := make([]pointcloud.PointCloud, n)
	for i, b := range buckets {
		parts[i] = pointcloud.New(b)
	}
	return parts, nil
}

// slabIndex maps v to one of n equal slabs starting at lo. NaN and values
// below lo land in slab 0, the maximum in the last slab.
func slabIndex(v, lo, halfSpan float64, n int) int {
	if !(halfSpan > 0) {
		return 0
	}
	t := (v/2 - lo/2) / halfSpan * float64(n)
	switch {
	case !(t > 0):
		return 0
	case t >= float64(n):
		return n - 1
	}
	return int(t)
}
