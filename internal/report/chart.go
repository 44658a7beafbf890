package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// AssetsHost is where rendered pages load the echarts scripts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderRMSEChart writes an HTML page with two charts: best and mean RMSE per
// round, and every scored step of the search.
func RenderRMSEChart(w io.Writer, title string, rounds []registration.RoundSummary) error {
	stats := Stats(rounds)

	xs := make([]int, len(stats))
	best := make([]opts.LineData, len(stats))
	mean := make([]opts.LineData, len(stats))
	for i, s := range stats {
		xs[i] = s.NP
		best[i] = opts.LineData{Value: "-"}
		if s.Best != nil {
			best[i] = opts.LineData{Value: *s.Best}
		}
		mean[i] = opts.LineData{Value: "-"}
		if !math.IsNaN(s.Mean) {
			mean[i] = opts.LineData{Value: s.Mean}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "420px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("rounds=%d", len(stats))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "partitions", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "RMSE", Type: "log"}),
	)
	line.SetXAxis(xs).
		AddSeries("best", best).
		AddSeries("round mean", mean)

	var points []opts.ScatterData
	for _, r := range rounds {
		for _, s := range r.Steps {
			if s.RMSE != nil {
				points = append(points, opts.ScatterData{Value: []interface{}{r.NP, *s.RMSE, s.Step}})
			}
		}
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Steps", Subtitle: fmt.Sprintf("scored=%d", len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "partitions", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "log", Name: "RMSE"}),
	)
	scatter.AddSeries("step", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))

	page := components.NewPage()
	page.AddCharts(line, scatter)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
