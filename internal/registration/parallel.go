package registration

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// roundParallel evaluates every partition pair of a round concurrently.
// The reduction walks steps in index order, so ties resolve to the lowest
// step exactly as in the sequential strategy. Every step is timed.
func (o *Orchestrator) roundParallel(ctx context.Context, req Request, src, tgt pointcloud.PointCloud, srcParts, tgtParts []pointcloud.PointCloud, best *BestRegistration) (RoundResult, error) {
	np := len(srcParts)
	steps := make([]PartitionStep, np)

	g, gctx := errgroup.WithContext(ctx)
	workers := o.opts.Workers
	if workers <= 0 || workers > np {
		workers = np
	}
	g.SetLimit(workers)

	for i := 0; i < np; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := o.opts.Clock.Now()
			step, err := o.evaluateStep(gctx, req, src, tgt, srcParts[i], tgtParts[i], np, i)
			if err != nil {
				return err
			}
			step.ElapsedMS = durationMS(o.opts.Clock.Since(start))
			steps[i] = step
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RoundResult{}, err
	}

	for _, step := range steps {
		best.offer(step, req.RMSETol)
	}
	return RoundResult{Steps: steps}, nil
}
