// Package report summarises finished searches as statistics, HTML charts
// and PNG plots.
package report

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// RoundStats describes the global RMSEs of one round.
type RoundStats struct {
	NP int `json:"np"`
	// Best is the search-wide best after this round, not the round minimum.
	Best      *float64 `json:"best,omitempty"`
	Min       float64  `json:"min"`
	Max       float64  `json:"max"`
	Mean      float64  `json:"mean"`
	StdDev    float64  `json:"std_dev"`
	Scored    int      `json:"scored"`
	Failed    int      `json:"failed"`
	Converged bool     `json:"converged"`
}

// Stats computes per-round statistics over the steps that have an RMSE.
// A round with no scored step has NaN min, max, mean and std dev.
func Stats(rounds []registration.RoundSummary) []RoundStats {
	out := make([]RoundStats, 0, len(rounds))
	for _, r := range rounds {
		rs := RoundStats{NP: r.NP, Best: r.Best.RMSE, Converged: r.Best.Converged}
		var vals []float64
		for _, s := range r.Steps {
			if s.RMSE == nil {
				rs.Failed++
				continue
			}
			vals = append(vals, *s.RMSE)
		}
		rs.Scored = len(vals)
		switch len(vals) {
		case 0:
			rs.Min, rs.Max, rs.Mean, rs.StdDev = math.NaN(), math.NaN(), math.NaN(), math.NaN()
		case 1:
			rs.Min, rs.Max, rs.Mean = vals[0], vals[0], vals[0]
		default:
			rs.Min = floats.Min(vals)
			rs.Max = floats.Max(vals)
			rs.Mean, rs.StdDev = stat.MeanStdDev(vals, nil)
		}
		out = append(out, rs)
	}
	return out
}
