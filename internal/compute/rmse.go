package compute

import (
	"context"
	"fmt"
	"math"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// ComputeRMSE returns the root mean square distance from each aligned point
// to its nearest target point, counting only pairs within maxDist.
func (*Local) ComputeRMSE(ctx context.Context, aligned, target pointcloud.PointCloud, maxDist float64, strategy ClosestStrategy) (float64, error) {
	if maxDist <= 0 {
		return 0, fmt.Errorf("max distance must be > 0, got %g", maxDist)
	}
	if !strategy.Valid() {
		return 0, fmt.Errorf("invalid closest strategy %q", strategy)
	}
	if aligned.Len() == 0 || target.Len() == 0 {
		return 0, fmt.Errorf("%w: empty cloud", ErrNoOverlap)
	}

	index := newNeighbourIndex(target, strategy)
	maxDist2 := maxDist * maxDist

	var sum float64
	var count int
	for i, p := range aligned.Points {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		_, d2 := index.nearest(p)
		if d2 > maxDist2 {
			continue
		}
		sum += d2
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: 0 of %d points matched", ErrNoOverlap, aligned.Len())
	}
	return math.Sqrt(sum / float64(count)), nil
}
