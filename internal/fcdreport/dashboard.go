package fcdreport

import (
	"io"

	"github.com/banshee-data/fcd.report/internal/fcd"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderDashboard writes an interactive HTML page with one scatter series
// per connection (RTSM over simulated time) and a bar chart of each
// connection's latest RTSM, to w, with speeds converted to unit.
func RenderDashboard(summaries []ConnectionSummary, unit string, w io.Writer) error {
	unit, err := validateUnit(unit)
	if err != nil {
		return err
	}

	page := components.NewPage()
	page.PageTitle = "Traffic State Dashboard"
	page.AddCharts(
		newRTSMScatter(summaries),
		newSpeedScatter(summaries, unit),
		newLatestRTSMBar(summaries),
	)
	return page.Render(w)
}

func newRTSMScatter(summaries []ConnectionSummary) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "RTSM over time",
			Theme:     "white",
			Width:     "1000px",
			Height:    "500px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Relative traffic status metric",
			Subtitle: "0 = free flow, 1 = fully congested",
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  1,
			InRange: &opts.VisualMapInRange{
				Color: []string{"#35b779", "#fde725", "#b83939"},
			},
		}),
	)

	for _, cs := range summaries {
		data := make([]opts.ScatterData, 0, len(cs.SamplesOverTime))
		for _, s := range cs.SamplesOverTime {
			if s.RelativeMetric < 0 {
				continue
			}
			data = append(data, opts.ScatterData{Value: []interface{}{float64(s.TimeNs) / 1e9, s.RelativeMetric}})
		}
		if len(data) == 0 {
			continue
		}
		scatter.AddSeries(cs.ConnectionID, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	}
	return scatter
}

func newSpeedScatter(summaries []ConnectionSummary, unit string) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Mean speed over time",
			Theme:     "white",
			Width:     "1000px",
			Height:    "500px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Temporal mean speed",
			Subtitle: "units: " + unit,
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)

	for _, cs := range summaries {
		data := make([]opts.ScatterData, len(cs.SamplesOverTime))
		for i, s := range cs.SamplesOverTime {
			data[i] = opts.ScatterData{Value: []interface{}{float64(s.TimeNs) / 1e9, convertedSpeed(s.TemporalMeanSpeed, unit)}}
		}
		scatter.AddSeries(cs.ConnectionID, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	return scatter
}

func newLatestRTSMBar(summaries []ConnectionSummary) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Latest RTSM by connection",
			Theme:     "white",
			Width:     "1000px",
			Height:    "400px",
		}),
		charts.WithTitleOpts(opts.Title{Title: "Latest RTSM by connection"}),
	)

	labels := make([]string, 0, len(summaries))
	values := make([]opts.BarData, 0, len(summaries))
	for _, cs := range summaries {
		latest := fcd.UnknownMetric
		for _, s := range cs.SamplesOverTime {
			if s.RelativeMetric >= 0 {
				latest = s.RelativeMetric
			}
		}
		labels = append(labels, cs.ConnectionID)
		values = append(values, opts.BarData{Value: latest})
	}
	bar.SetXAxis(labels).AddSeries("RTSM", values)
	return bar
}
