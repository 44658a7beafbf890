package registration

import (
	"math"
	"sort"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// StepSummary is a PartitionStep without point data, small enough to
// persist and to list.
type StepSummary struct {
	Step       int                   `json:"step"`
	SrcPoints  int                   `json:"src_points"`
	TgtPoints  int                   `json:"tgt_points"`
	RMSE       *float64              `json:"rmse,omitempty"`
	Iterations int                   `json:"iterations,omitempty"`
	Converged  bool                  `json:"icp_converged,omitempty"`
	Transform  *pointcloud.Transform `json:"transform,omitempty"`
	ElapsedMS  *float64              `json:"elapsed_ms,omitempty"`
	Failure    string                `json:"failure,omitempty"`
}

// RoundSummary is a RoundResult without point data.
type RoundSummary struct {
	NP    int              `json:"np"`
	Steps []StepSummary    `json:"steps"`
	Best  BestRegistration `json:"best"`
}

// Summarize drops the point clouds from r.
func Summarize(r RoundResult) RoundSummary {
	out := RoundSummary{NP: r.NP, Steps: make([]StepSummary, len(r.Steps)), Best: r.Best.clone()}
	for i, s := range r.Steps {
		ss := StepSummary{
			Step:      s.Step,
			SrcPoints: s.SrcPart.Len(),
			TgtPoints: s.TgtPart.Len(),
			RMSE:      s.RMSE,
			ElapsedMS: s.ElapsedMS,
			Failure:   s.Failure,
		}
		if s.Outcome != nil {
			t := s.Outcome.Transform
			ss.Transform = &t
			ss.Iterations = s.Outcome.Iterations
			ss.Converged = s.Outcome.Converged
		}
		out.Steps[i] = ss
	}
	return out
}

// StepRank places one step in the search-wide ordering.
type StepRank struct {
	NP   int      `json:"np"`
	Step int      `json:"step"`
	Rank int      `json:"rank"`
	RMSE *float64 `json:"rmse,omitempty"`
}

// RoundRank is the rank of a round's best step.
type RoundRank struct {
	NP   int `json:"np"`
	Rank int `json:"rank"`
}

// Ranking orders every step of a finished search by global RMSE.
type Ranking struct {
	// Steps is sorted by rank.
	Steps []StepRank `json:"steps"`
	// Rounds is in sweep order.
	Rounds []RoundRank `json:"rounds"`
}

// Rank orders all steps of rounds by ascending RMSE, 1-based. Steps with no
// RMSE rank after every scored step; equal RMSEs keep sweep order.
func Rank(rounds []RoundSummary) Ranking {
	var steps []StepRank
	for _, r := range rounds {
		for _, s := range r.Steps {
			steps = append(steps, StepRank{NP: r.NP, Step: s.Step, RMSE: s.RMSE})
		}
	}
	key := func(s StepRank) float64 {
		if s.RMSE == nil {
			return math.Inf(1)
		}
		return *s.RMSE
	}
	sort.SliceStable(steps, func(i, j int) bool { return key(steps[i]) < key(steps[j]) })

	roundRank := make(map[int]int, len(rounds))
	for i := range steps {
		steps[i].Rank = i + 1
		if r, ok := roundRank[steps[i].NP]; !ok || steps[i].Rank < r {
			roundRank[steps[i].NP] = steps[i].Rank
		}
	}

	out := Ranking{Steps: steps, Rounds: make([]RoundRank, 0, len(rounds))}
	for _, r := range rounds {
		if rank, ok := roundRank[r.NP]; ok {
			out.Rounds = append(out.Rounds, RoundRank{NP: r.NP, Rank: rank})
		}
	}
	if out.Steps == nil {
		out.Steps = []StepRank{}
	}
	return out
}
