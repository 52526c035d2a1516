package fcdreport

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	colorTemporal = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 0xff}
	colorSpatial  = color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 0xff}
	colorRTSM     = color.RGBA{R: 0xfd, G: 0xe7, B: 0x25, A: 0xff}
)

// RenderConnectionPNG writes one connection's temporal/spatial mean speed
// time series to outputDir/<connection_id>.png, with speeds converted to
// unit ("" defaults to m/s). RTSM is drawn separately by RenderRTSMPNG.
func RenderConnectionPNG(cs ConnectionSummary, unit, outputDir string) (string, error) {
	unit, err := validateUnit(unit)
	if err != nil {
		return "", err
	}
	if len(cs.SamplesOverTime) == 0 {
		return "", fmt.Errorf("fcdreport: no samples for connection %q", cs.ConnectionID)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Connection %s - mean speed (%s)", cs.ConnectionID, unit)
	p.X.Label.Text = "simulated time (s)"
	p.Y.Label.Text = fmt.Sprintf("speed (%s)", unit)

	temporal := make(plotter.XYs, len(cs.SamplesOverTime))
	spatial := make(plotter.XYs, len(cs.SamplesOverTime))
	for i, s := range cs.SamplesOverTime {
		x := float64(s.TimeNs) / 1e9
		temporal[i] = plotter.XY{X: x, Y: convertedSpeed(s.TemporalMeanSpeed, unit)}
		spatial[i] = plotter.XY{X: x, Y: convertedSpeed(s.SpatialMeanSpeed, unit)}
	}

	temporalLine, err := plotter.NewLine(temporal)
	if err != nil {
		return "", fmt.Errorf("fcdreport: temporal line: %w", err)
	}
	temporalLine.Color = colorTemporal
	temporalLine.Width = vg.Points(1.5)
	p.Add(temporalLine)
	p.Legend.Add("temporal mean speed", temporalLine)

	spatialLine, err := plotter.NewLine(spatial)
	if err != nil {
		return "", fmt.Errorf("fcdreport: spatial line: %w", err)
	}
	spatialLine.Color = colorSpatial
	spatialLine.Width = vg.Points(1.5)
	p.Add(spatialLine)
	p.Legend.Add("spatial mean speed", spatialLine)

	p.Legend.Top = true
	p.Legend.Left = false

	outPath := filepath.Join(outputDir, cs.ConnectionID+".png")
	if err := p.Save(12*vg.Inch, 5*vg.Inch, outPath); err != nil {
		return "", fmt.Errorf("fcdreport: save plot: %w", err)
	}
	return outPath, nil
}

// RenderRTSMPNG writes a connection's RTSM time series as a separate plot,
// since its [0,1] range is on a different scale from the speed series.
func RenderRTSMPNG(cs ConnectionSummary, outputDir string) (string, error) {
	if len(cs.SamplesOverTime) == 0 {
		return "", fmt.Errorf("fcdreport: no samples for connection %q", cs.ConnectionID)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Connection %s - relative traffic status metric", cs.ConnectionID)
	p.X.Label.Text = "simulated time (s)"
	p.Y.Label.Text = "RTSM"
	p.Y.Min = 0
	p.Y.Max = 1

	pts := make(plotter.XYs, 0, len(cs.SamplesOverTime))
	for _, s := range cs.SamplesOverTime {
		if s.RelativeMetric < 0 {
			continue // UnknownMetric sentinel: no thresholds yet
		}
		pts = append(pts, plotter.XY{X: float64(s.TimeNs) / 1e9, Y: s.RelativeMetric})
	}
	if len(pts) == 0 {
		return "", fmt.Errorf("fcdreport: no RTSM samples with thresholds for connection %q", cs.ConnectionID)
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return "", fmt.Errorf("fcdreport: rtsm line: %w", err)
	}
	line.Color = colorRTSM
	line.Width = vg.Points(1.5)
	p.Add(line)

	outPath := filepath.Join(outputDir, cs.ConnectionID+"_rtsm.png")
	if err := p.Save(12*vg.Inch, 4*vg.Inch, outPath); err != nil {
		return "", fmt.Errorf("fcdreport: save rtsm plot: %w", err)
	}
	return outPath, nil
}
