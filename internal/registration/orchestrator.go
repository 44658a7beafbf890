package registration

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/timeutil"
)

// Strategy selects how the partitions of a round are evaluated.
type Strategy string

const (
	// StrategySequential evaluates partitions one at a time and stops the
	// round as soon as the tolerance is met.
	StrategySequential Strategy = "sequential"
	// StrategyParallel evaluates every partition of a round concurrently,
	// keeps the lowest RMSE in step order and checks the tolerance once the
	// whole round is done. Rounds always hold np steps.
	StrategyParallel Strategy = "parallel"
)

// ParseStrategy accepts "sequential" (or "") and "parallel".
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySequential:
		return StrategySequential, nil
	case StrategyParallel:
		return StrategyParallel, nil
	}
	return "", fmt.Errorf("invalid strategy %q (expected sequential or parallel)", s)
}

// Options tune an Orchestrator. The zero value is usable.
type Options struct {
	Strategy Strategy
	// Workers bounds concurrent steps under StrategyParallel. Zero means
	// one worker per partition.
	Workers int
	// TimeConvergingStep records the elapsed time of the step that meets
	// the tolerance. Off by default, which leaves that step untimed.
	TimeConvergingStep bool
	Tracer             trace.Tracer
	// Clock times the steps. Defaults to the wall clock.
	Clock timeutil.Clock
}

// Orchestrator runs searches. It holds no per-search state, so one value
// may serve any number of concurrent searches.
type Orchestrator struct {
	clouds  cloudstore.Store
	compute compute.Service
	opts    Options
}

// New returns an Orchestrator using clouds to resolve names and svc for the
// geometry.
func New(clouds cloudstore.Store, svc compute.Service, opts Options) *Orchestrator {
	if opts.Strategy == "" {
		opts.Strategy = StrategySequential
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("registration")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Orchestrator{clouds: clouds, compute: svc, opts: opts}
}

// Search returns the event stream of one search. Nothing runs until the
// sequence is ranged over; each range starts a fresh search. Stopping the
// range early or cancelling ctx abandons the search without a done event.
func (o *Orchestrator) Search(ctx context.Context, req Request) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		ctx, span := o.opts.Tracer.Start(ctx, "registration.search", trace.WithAttributes(
			attribute.String("src", req.SrcName),
			attribute.String("tgt", req.TgtName),
			attribute.Int("np_max", req.NPMax),
			attribute.String("strategy", string(o.opts.Strategy)),
		))
		defer span.End()

		fail := func(err error) {
			if isCancellation(ctx, err) {
				monitoring.Logf("[search] %s -> %s cancelled", req.SrcName, req.TgtName)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			monitoring.Logf("[search] %s -> %s failed: %v", req.SrcName, req.TgtName, err)
			yield(FailedEvent(err))
		}

		monitoring.Logf("[search] start %s -> %s np<=%d tol=%g axis=%s strategy=%s",
			req.SrcName, req.TgtName, req.NPMax, req.RMSETol, req.Axis, o.opts.Strategy)

		src, tgt, err := o.loadPair(ctx, req)
		if err != nil {
			fail(err)
			return
		}
		if !yield(Event{Kind: EventOriginals, Originals: &Originals{Source: src, Target: tgt}}) {
			return
		}

		var best BestRegistration
		for np := 2; np <= req.NPMax; np++ {
			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}
			round, err := o.runRound(ctx, req, src, tgt, np, &best)
			if err != nil {
				fail(err)
				return
			}
			monitoring.Logf("[search] round np=%d steps=%d best %s", np, len(round.Steps), best)
			if !yield(Event{Kind: EventRound, Round: &round}) {
				return
			}
			if best.Converged {
				monitoring.Logf("[search] converged at np=%d step=%d", best.NP, best.Step)
				break
			}
		}

		final := best.clone()
		span.SetAttributes(attribute.Bool("converged", final.Converged))
		if final.RMSE != nil {
			span.SetAttributes(attribute.Float64("best_rmse", *final.RMSE))
		}
		monitoring.Logf("[search] done %s -> %s best %s", req.SrcName, req.TgtName, final)
		yield(Event{Kind: EventDone, Best: &final})
	}
}

// loadPair loads both clouds concurrently. A source error wins over a
// target error so failures are reported deterministically.
func (o *Orchestrator) loadPair(ctx context.Context, req Request) (src, tgt pointcloud.PointCloud, err error) {
	var srcErr, tgtErr error
	var g errgroup.Group
	g.Go(func() error {
		src, srcErr = o.clouds.LoadCloud(ctx, req.SrcName)
		return nil
	})
	g.Go(func() error {
		tgt, tgtErr = o.clouds.LoadCloud(ctx, req.TgtName)
		return nil
	})
	_ = g.Wait()

	switch {
	case srcErr != nil:
		return src, tgt, wrapLoad(ctx, "source", req.SrcName, srcErr)
	case tgtErr != nil:
		return src, tgt, wrapLoad(ctx, "target", req.TgtName, tgtErr)
	}
	return src, tgt, nil
}

func wrapLoad(ctx context.Context, role, name string, err error) error {
	if isCancellation(ctx, err) {
		return err
	}
	return &LoadError{Role: role, Name: name, Err: err}
}

// partitionPair splits both clouds into np partitions concurrently.
func (o *Orchestrator) partitionPair(ctx context.Context, req Request, src, tgt pointcloud.PointCloud, np int) (srcParts, tgtParts []pointcloud.PointCloud, err error) {
	var srcErr, tgtErr error
	var g errgroup.Group
	g.Go(func() error {
		srcParts, srcErr = o.compute.PartitionCloud(ctx, src, np, req.Axis)
		if srcErr == nil && len(srcParts) != np {
			srcErr = fmt.Errorf("got %d partitions", len(srcParts))
		}
		return nil
	})
	g.Go(func() error {
		tgtParts, tgtErr = o.compute.PartitionCloud(ctx, tgt, np, req.Axis)
		if tgtErr == nil && len(tgtParts) != np {
			tgtErr = fmt.Errorf("got %d partitions", len(tgtParts))
		}
		return nil
	})
	_ = g.Wait()

	for _, e := range []struct {
		role string
		err  error
	}{{"source", srcErr}, {"target", tgtErr}} {
		if e.err == nil {
			continue
		}
		if isCancellation(ctx, e.err) {
			return nil, nil, e.err
		}
		return nil, nil, &PartitionError{Role: e.role, NP: np, Err: e.err}
	}
	return srcParts, tgtParts, nil
}

func (o *Orchestrator) runRound(ctx context.Context, req Request, src, tgt pointcloud.PointCloud, np int, best *BestRegistration) (RoundResult, error) {
	ctx, span := o.opts.Tracer.Start(ctx, "registration.round", trace.WithAttributes(attribute.Int("np", np)))
	defer span.End()

	srcParts, tgtParts, err := o.partitionPair(ctx, req, src, tgt, np)
	if err != nil {
		return RoundResult{}, err
	}

	var round RoundResult
	if o.opts.Strategy == StrategyParallel {
		round, err = o.roundParallel(ctx, req, src, tgt, srcParts, tgtParts, best)
	} else {
		round, err = o.roundSequential(ctx, req, src, tgt, srcParts, tgtParts, best)
	}
	if err != nil {
		return RoundResult{}, err
	}
	round.NP = np
	round.Best = best.clone()
	span.SetAttributes(attribute.Int("steps", len(round.Steps)), attribute.Bool("converged", best.Converged))
	return round, nil
}

func (o *Orchestrator) roundSequential(ctx context.Context, req Request, src, tgt pointcloud.PointCloud, srcParts, tgtParts []pointcloud.PointCloud, best *BestRegistration) (RoundResult, error) {
	np := len(srcParts)
	round := RoundResult{Steps: make([]PartitionStep, 0, np)}
	for i := 0; i < np; i++ {
		if err := ctx.Err(); err != nil {
			return RoundResult{}, err
		}
		start := o.opts.Clock.Now()
		step, err := o.evaluateStep(ctx, req, src, tgt, srcParts[i], tgtParts[i], np, i)
		if err != nil {
			return RoundResult{}, err
		}
		best.offer(step, req.RMSETol)

		if best.Converged {
			if o.opts.TimeConvergingStep {
				step.ElapsedMS = durationMS(o.opts.Clock.Since(start))
			}
			round.Steps = append(round.Steps, step)
			break
		}
		step.ElapsedMS = durationMS(o.opts.Clock.Since(start))
		round.Steps = append(round.Steps, step)
	}
	return round, nil
}

// evaluateStep registers one partition pair and scores the result against
// the full clouds. Only cancellation is returned as an error; every other
// failure is recorded on the step.
func (o *Orchestrator) evaluateStep(ctx context.Context, req Request, src, tgt, srcPart, tgtPart pointcloud.PointCloud, np, i int) (PartitionStep, error) {
	ctx, span := o.opts.Tracer.Start(ctx, "registration.step", trace.WithAttributes(
		attribute.Int("np", np), attribute.Int("step", i),
		attribute.Int("src_points", srcPart.Len()), attribute.Int("tgt_points", tgtPart.Len()),
	))
	defer span.End()

	step := PartitionStep{NP: np, Step: i, SrcPart: srcPart, TgtPart: tgtPart}

	out, err := o.compute.RegisterICP(ctx, srcPart, tgtPart, req.ICPParams())
	if err != nil {
		if isCancellation(ctx, err) {
			return step, err
		}
		step.Failure = err.Error()
		span.SetAttributes(attribute.String("failure", step.Failure))
		return step, nil
	}
	step.Outcome = &out

	aligned, err := o.compute.TransformCloud(ctx, src, out.Transform)
	if err != nil {
		if isCancellation(ctx, err) {
			return step, err
		}
		step.Failure = fmt.Sprintf("transform source: %v", err)
		return step, nil
	}
	step.Aligned = &aligned

	rmse, err := o.compute.ComputeRMSE(ctx, aligned, tgt, req.ICPMaxDist, req.Closest)
	if err != nil {
		if isCancellation(ctx, err) {
			return step, err
		}
		step.Failure = fmt.Sprintf("global rmse: %v", err)
		return step, nil
	}
	step.RMSE = &rmse
	span.SetAttributes(attribute.Float64("rmse", rmse), attribute.Int("iterations", out.Iterations))
	return step, nil
}

// isCancellation reports whether err stems from ctx ending rather than a
// real failure.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
