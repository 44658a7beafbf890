// Package compute implements the geometric services used by the
// registration search: partitioning, ICP, rigid transforms and RMSE.
package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

var (
	// ErrInvalidPartition is returned when a cloud cannot be split into the
	// requested number of partitions.
	ErrInvalidPartition = errors.New("invalid partition request")
	// ErrNoConvergence is returned by RegisterICP when no rigid transform
	// satisfies the correspondence constraints.
	ErrNoConvergence = errors.New("icp did not converge")
	// ErrNoOverlap is returned by ComputeRMSE when no aligned point has a
	// target neighbour within the maximum distance.
	ErrNoOverlap = errors.New("no correspondences within max distance")
)

// ClosestStrategy selects how nearest neighbours are found.
type ClosestStrategy string

const (
	// ClosestBruteForce scans every target point.
	ClosestBruteForce ClosestStrategy = "bf"
	// ClosestTree queries a k-d tree built over the target.
	ClosestTree ClosestStrategy = "tree"
)

// ParseClosestStrategy accepts "bf" or "tree".
func ParseClosestStrategy(s string) (ClosestStrategy, error) {
	c := ClosestStrategy(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("invalid closest strategy %q (expected bf or tree)", s)
	}
	return c, nil
}

// Valid reports whether c names a known strategy.
func (c ClosestStrategy) Valid() bool {
	return c == ClosestBruteForce || c == ClosestTree
}

// ICPParams bounds a single ICP run.
type ICPParams struct {
	// Delta is the mean-error change at or below which ICP stops.
	Delta float64
	// MaxIter caps the number of iterations.
	MaxIter int
	// MaxDist rejects correspondences farther apart than this distance.
	MaxDist float64
	Closest ClosestStrategy
}

// Validate checks the parameter ranges.
func (p ICPParams) Validate() error {
	if p.Delta < 0 {
		return fmt.Errorf("delta must be >= 0, got %g", p.Delta)
	}
	if p.MaxIter <= 0 {
		return fmt.Errorf("max iterations must be > 0, got %d", p.MaxIter)
	}
	if p.MaxDist <= 0 {
		return fmt.Errorf("max distance must be > 0, got %g", p.MaxDist)
	}
	if !p.Closest.Valid() {
		return fmt.Errorf("invalid closest strategy %q", p.Closest)
	}
	return nil
}

// Outcome is the result of a successful ICP run.
type Outcome struct {
	Transform  pointcloud.Transform  `json:"tm"`
	Iterations int                   `json:"iterations"`
	Aligned    pointcloud.PointCloud `json:"algnCloud"`
	// Converged is false when MaxIter was reached before the error settled.
	Converged bool    `json:"converged"`
	MeanError float64 `json:"meanError"`
}

// Service is the set of geometric operations the registration search
// depends on. Every method honours ctx cancellation.
type Service interface {
	// PartitionCloud splits c into n axis-ordered spatial partitions.
	PartitionCloud(ctx context.Context, c pointcloud.PointCloud, n int, axis pointcloud.Axis) ([]pointcloud.PointCloud, error)

	// RegisterICP aligns src onto tgt. It returns an error wrapping
	// ErrNoConvergence when no transform can be estimated.
	RegisterICP(ctx context.Context, src, tgt pointcloud.PointCloud, p ICPParams) (Outcome, error)

	// TransformCloud applies T to every point of c.
	TransformCloud(ctx context.Context, c pointcloud.PointCloud, T pointcloud.Transform) (pointcloud.PointCloud, error)

	// ComputeRMSE measures the fit of aligned against target.
	ComputeRMSE(ctx context.Context, aligned, target pointcloud.PointCloud, maxDist float64, strategy ClosestStrategy) (float64, error)
}

// Local runs every operation in-process.
type Local struct{}

// NewLocal returns the in-process Service.
func NewLocal() *Local { return &Local{} }

var _ Service = (*Local)(nil)

// TransformCloud applies T to c.
func (*Local) TransformCloud(ctx context.Context, c pointcloud.PointCloud, T pointcloud.Transform) (pointcloud.PointCloud, error) {
	if err := ctx.Err(); err != nil {
		return pointcloud.PointCloud{}, err
	}
	return T.ApplyCloud(c), nil
}

// checkEvery is how many points a hot loop processes between context checks.
const checkEvery = 4096
