package api

import (
	"context"
	"iter"
	"net/http/httptest"
	"testing"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/fsutil"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// searchFunc adapts a function to registration.Searcher.
type searchFunc func(ctx context.Context, req registration.Request) iter.Seq[registration.Event]

func (f searchFunc) Search(ctx context.Context, req registration.Request) iter.Seq[registration.Event] {
	return f(ctx, req)
}

func ptr(v float64) *float64 { return &v }

// scriptedRound builds round np whose step i scores rmses[i].
func scriptedRound(np int, rmses ...float64) registration.RoundResult {
	round := registration.RoundResult{NP: np}
	part := pointcloud.New([]pointcloud.Point{{X: float64(np)}})
	for i, v := range rmses {
		step := registration.PartitionStep{
			NP:      np,
			Step:    i,
			SrcPart: part,
			TgtPart: part,
			Outcome: &compute.Outcome{Transform: pointcloud.Identity(), Iterations: 1, Aligned: part},
			RMSE:    ptr(v),
		}
		round.Steps = append(round.Steps, step)
		if !round.Best.IsSet() || v < *round.Best.RMSE {
			t := pointcloud.Identity()
			round.Best = registration.BestRegistration{RMSE: ptr(v), NP: np, Step: i, Transform: &t}
		}
	}
	return round
}

// scriptedSearcher yields originals, one round per entry of rounds and done.
func scriptedSearcher(rounds ...registration.RoundResult) searchFunc {
	return func(ctx context.Context, req registration.Request) iter.Seq[registration.Event] {
		return func(yield func(registration.Event) bool) {
			src := pointcloud.New([]pointcloud.Point{{X: 1}, {X: 2}})
			if !yield(registration.Event{Kind: registration.EventOriginals, Originals: &registration.Originals{Source: src, Target: src}}) {
				return
			}
			var best *registration.BestRegistration
			for i := range rounds {
				r := rounds[i]
				if !yield(registration.Event{Kind: registration.EventRound, Round: &r}) {
					return
				}
				b := r.Best
				best = &b
			}
			yield(registration.Event{Kind: registration.EventDone, Best: best})
		}
	}
}

// blockingSearcher yields originals and then waits for cancellation.
func blockingSearcher(started chan<- string) searchFunc {
	return func(ctx context.Context, req registration.Request) iter.Seq[registration.Event] {
		return func(yield func(registration.Event) bool) {
			if !yield(registration.Event{Kind: registration.EventOriginals, Originals: &registration.Originals{}}) {
				return
			}
			if started != nil {
				started <- req.SrcName
			}
			<-ctx.Done()
		}
	}
}

func testRequest() registration.Request {
	return registration.Request{
		SrcName:    "src.xyz",
		TgtName:    "tgt.xyz",
		NPMax:      3,
		RMSETol:    0,
		Axis:       pointcloud.AxisX,
		ICPDelta:   1e-6,
		ICPMaxIter: 20,
		ICPMaxDist: 1,
		Closest:    compute.ClosestBruteForce,
	}
}

type testEnv struct {
	srv     *Server
	runner  *registration.Runner
	history *db.SearchStore
	ts      *httptest.Server
}

// newTestEnv serves two clouds from memory and runs searches with searcher.
func newTestEnv(t *testing.T, searcher registration.Searcher, cfg registration.RunnerConfig) *testEnv {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	fsys.WriteFile("clouds/src.xyz", []byte("0 0 0\n1 0 0\n2 0 0\n"), 0644)
	fsys.WriteFile("clouds/tgt.xyz", []byte("0 1 0\n1 1 0\n"), 0644)
	fsys.WriteFile("clouds/notes.md", []byte("not a cloud"), 0644)
	store := cloudstore.NewDirStore(fsys, "clouds", 0)

	history := db.NewSearchStore(cloneAPITestDB(t))
	runner := registration.NewRunner(searcher, history, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		runner.StopAll()
		for _, st := range runner.List() {
			runner.Wait(context.Background(), st.ID)
		}
	})

	srv := NewServer(Config{
		Clouds:      store,
		Searcher:    searcher,
		Runner:      runner,
		History:     history,
		BaseContext: ctx,
	})
	ts := httptest.NewServer(LoggingMiddleware(srv.ServeMux()))
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, runner: runner, history: history, ts: ts}
}
