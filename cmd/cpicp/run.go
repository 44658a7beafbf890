package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/report"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/rpc"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/security"
)

type runFlags struct {
	src, tgt  string
	np        int
	rmse      float64
	axis      string
	delta     float64
	k         int
	maxDist   float64
	closest   string
	plot      string
	remote    string
	jsonOut   bool
	rankLimit int
}

func (a *app) runCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run one search and print its rounds, best registration and ranking",
		Example: "  cpicp run --src bunny.pcd --tgt bunny-moved.pcd --np 8 --rmse 0.01\n  cpicp run --src a.xyz --tgt b.xyz --remote localhost:9090 --plot rounds.png",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.run(ctx, cmd.OutOrStdout(), req, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.src, "src", "", "source cloud name")
	fl.StringVar(&f.tgt, "tgt", "", "target cloud name")
	fl.IntVar(&f.np, "np", 8, "largest partition count tried")
	fl.Float64Var(&f.rmse, "rmse", 0.01, "stop once the global RMSE is at or below this")
	fl.StringVar(&f.axis, "axis", "x", "partition axis (x, y or z)")
	fl.Float64Var(&f.delta, "delta", 0.001, "ICP stops when the mean error changes by at most this")
	fl.IntVar(&f.k, "k", 30, "ICP iteration cap")
	fl.Float64Var(&f.maxDist, "max-dist", 1, "largest correspondence distance")
	fl.StringVar(&f.closest, "closest", string(compute.ClosestTree), "nearest neighbour search (bf or tree)")
	fl.StringVar(&f.plot, "plot", "", "write a plot of the rounds to this file (.png, .svg or .pdf)")
	fl.StringVar(&f.remote, "remote", "", "run on a cpicp server at this gRPC address")
	fl.BoolVar(&f.jsonOut, "json", false, "print the round summaries and ranking as JSON")
	fl.IntVar(&f.rankLimit, "top", 10, "ranked steps to print")
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("tgt")
	return cmd
}

func (f *runFlags) request() (registration.Request, error) {
	axis, err := pointcloud.ParseAxis(f.axis)
	if err != nil {
		return registration.Request{}, err
	}
	closest, err := compute.ParseClosestStrategy(f.closest)
	if err != nil {
		return registration.Request{}, err
	}
	req := registration.Request{
		SrcName:    f.src,
		TgtName:    f.tgt,
		NPMax:      f.np,
		RMSETol:    f.rmse,
		Axis:       axis,
		ICPDelta:   f.delta,
		ICPMaxIter: f.k,
		ICPMaxDist: f.maxDist,
		Closest:    closest,
	}
	if err := req.Validate(); err != nil {
		return registration.Request{}, err
	}
	if f.plot != "" {
		if err := security.ValidateOutputPath(f.plot); err != nil {
			return registration.Request{}, fmt.Errorf("--plot: %w", err)
		}
	}
	return req, nil
}

type runOutput struct {
	Rounds  []registration.RoundSummary    `json:"rounds"`
	Best    *registration.BestRegistration `json:"best,omitempty"`
	Ranking registration.Ranking           `json:"ranking"`
}

func (a *app) run(ctx context.Context, out io.Writer, req registration.Request, f *runFlags) error {
	var searcher registration.Searcher
	if f.remote != "" {
		client, err := rpc.Dial(f.remote)
		if err != nil {
			return err
		}
		defer client.Close()
		searcher = client
	} else {
		searcher = a.orchestrator(a.cloudStore(false), nil)
	}

	defer monitoring.Timed("[search] %s -> %s", req.SrcName, req.TgtName)()

	var res runOutput
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if !f.jsonOut {
		fmt.Fprintln(tw, "NP\tBEST\tMIN\tMEAN\tSTD\tSCORED\tFAILED")
	}
	for ev := range searcher.Search(ctx, req) {
		switch ev.Kind {
		case registration.EventOriginals:
			if !f.jsonOut {
				fmt.Fprintf(out, "source %s: %d points, target %s: %d points\n",
					req.SrcName, ev.Originals.Source.Len(), req.TgtName, ev.Originals.Target.Len())
			}
		case registration.EventRound:
			summary := registration.Summarize(*ev.Round)
			res.Rounds = append(res.Rounds, summary)
			if !f.jsonOut {
				st := report.Stats([]registration.RoundSummary{summary})[0]
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\n",
					st.NP, fmtRMSE(st.Best), fmtFloat(st.Min), fmtFloat(st.Mean), fmtFloat(st.StdDev), st.Scored, st.Failed)
			}
		case registration.EventDone:
			res.Best = ev.Best
		case registration.EventFailed:
			return fmt.Errorf("search failed: %w", ev.Err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if res.Rounds == nil {
		res.Rounds = []registration.RoundSummary{}
	}
	res.Ranking = registration.Rank(res.Rounds)

	if f.plot != "" {
		if err := report.SavePlot(f.plot, req.SrcName+" -> "+req.TgtName, res.Rounds); err != nil {
			return err
		}
	}

	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	tw.Flush()
	if res.Best == nil || !res.Best.IsSet() {
		fmt.Fprintln(out, "best: none (no partition pair registered)")
	} else {
		fmt.Fprintf(out, "best: %s\n", res.Best)
		if res.Best.Transform != nil {
			fmt.Fprintf(out, "transform:\n%s\n", res.Best.Transform)
		}
	}
	if f.plot != "" {
		fmt.Fprintf(out, "plot written to %s\n", f.plot)
	}

	steps := res.Ranking.Steps
	if f.rankLimit >= 0 && len(steps) > f.rankLimit {
		steps = steps[:f.rankLimit]
	}
	if len(steps) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(tw, "RANK\tNP\tSTEP\tRMSE")
		for _, s := range steps {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", s.Rank, s.NP, s.Step, fmtRMSE(s.RMSE))
		}
		tw.Flush()
	}
	return nil
}

func fmtRMSE(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmtFloat(*v)
}

func fmtFloat(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.6g", v)
}
