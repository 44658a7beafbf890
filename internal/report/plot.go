package report

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

const (
	plotWidth  = 10 * vg.Inch
	plotHeight = 5 * vg.Inch
)

var (
	bestColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	meanColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	stepColor = color.RGBA{R: 128, G: 128, B: 128, A: 160}
)

// NewRoundsPlot builds a plot of the best and mean RMSE per round with every
// scored step behind them.
func NewRoundsPlot(title string, rounds []registration.RoundSummary) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Partitions"
	p.Y.Label.Text = "Global RMSE"

	var bestPts, meanPts, stepPts plotter.XYs
	for _, s := range Stats(rounds) {
		if s.Best != nil {
			bestPts = append(bestPts, plotter.XY{X: float64(s.NP), Y: *s.Best})
		}
		if !math.IsNaN(s.Mean) {
			meanPts = append(meanPts, plotter.XY{X: float64(s.NP), Y: s.Mean})
		}
	}
	for _, r := range rounds {
		for _, s := range r.Steps {
			if s.RMSE != nil {
				stepPts = append(stepPts, plotter.XY{X: float64(r.NP), Y: *s.RMSE})
			}
		}
	}

	if len(stepPts) > 0 {
		sc, err := plotter.NewScatter(stepPts)
		if err != nil {
			return nil, err
		}
		sc.Color = stepColor
		sc.Radius = vg.Points(2)
		p.Add(sc)
		p.Legend.Add("step", sc)
	}
	if len(bestPts) > 0 {
		l, err := plotter.NewLine(bestPts)
		if err != nil {
			return nil, err
		}
		l.Color = bestColor
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add("best", l)
	}
	if len(meanPts) > 0 {
		l, err := plotter.NewLine(meanPts)
		if err != nil {
			return nil, err
		}
		l.Color = meanColor
		l.Width = vg.Points(1)
		l.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(l)
		p.Legend.Add("round mean", l)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// SavePlot writes the rounds plot to path. The extension picks the format.
func SavePlot(path, title string, rounds []registration.RoundSummary) error {
	p, err := NewRoundsPlot(title, rounds)
	if err != nil {
		return err
	}
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

// WritePNG writes the rounds plot as PNG.
func WritePNG(w io.Writer, title string, rounds []registration.RoundSummary) error {
	p, err := NewRoundsPlot(title, rounds)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(plotWidth, plotHeight, "png")
	if err != nil {
		return fmt.Errorf("create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
