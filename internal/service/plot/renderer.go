// Package plot renders sensor time-series charts to PNG files for the chat
// client to display.
package plot

import (
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"anomalygpt/internal/domain/models/sensor"
)

var (
	seriesColor  = color.NRGBA{R: 0x00, G: 0x30, B: 0x57, A: 0xFF}
	bandColor    = color.NRGBA{R: 0xB3, G: 0xA3, B: 0x69, A: 0x4D}
	anomalyColor = color.NRGBA{R: 0x00, G: 0x00, B: 0xFF, A: 0x66}
)

// Renderer draws sensor series to PNG files in a fixed image directory.
// Filenames are random UUIDs so a rendered plot is never overwritten.
type Renderer struct {
	imageDir string
	logger   *slog.Logger
}

// NewRenderer creates a renderer, ensuring the image directory exists.
func NewRenderer(imageDir string, logger *slog.Logger) (*Renderer, error) {
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	return &Renderer{imageDir: imageDir, logger: logger}, nil
}

// RenderAnalog draws an analog sensor series with its expected-range band and
// shaded anomaly regions. Returns the generated PNG filename.
func (r *Renderer) RenderAnalog(sensorName string, tr sensor.TimeRange, points []sensor.SeriesPoint) (string, error) {
	if len(points) == 0 {
		return "", fmt.Errorf("no samples for sensor %s in range", sensorName)
	}

	p, err := r.newPlot(sensorName, tr)
	if err != nil {
		return "", err
	}

	values, err := seriesXYs(points, func(pt sensor.SeriesPoint) float64 { return pt.Value })
	if err != nil {
		return "", err
	}
	lower, err := seriesXYs(points, func(pt sensor.SeriesPoint) float64 { return pt.BandLow })
	if err != nil {
		return "", err
	}
	upper, err := seriesXYs(points, func(pt sensor.SeriesPoint) float64 { return pt.BandHigh })
	if err != nil {
		return "", err
	}

	valueLine, err := plotter.NewLine(values)
	if err != nil {
		return "", fmt.Errorf("build value line: %w", err)
	}
	valueLine.LineStyle.Color = seriesColor
	valueLine.LineStyle.Width = vg.Points(1.5)

	lowerLine, err := plotter.NewLine(lower)
	if err != nil {
		return "", fmt.Errorf("build band line: %w", err)
	}
	upperLine, err := plotter.NewLine(upper)
	if err != nil {
		return "", fmt.Errorf("build band line: %w", err)
	}
	for _, l := range []*plotter.Line{lowerLine, upperLine} {
		l.LineStyle.Color = bandColor
		l.LineStyle.Width = vg.Points(1)
	}

	min, max := valueBounds(points)
	if err := addAnomalyRegions(p, points, min, max); err != nil {
		return "", err
	}

	p.Add(valueLine, lowerLine, upperLine)
	p.Legend.Add("Sensor Data", valueLine)
	p.Legend.Add("Anomaly Threshold", upperLine)

	return r.save(p, sensorName)
}

// RenderDigital draws a digital sensor signal with shaded anomaly regions.
// Returns the generated PNG filename.
func (r *Renderer) RenderDigital(sensorName string, tr sensor.TimeRange, points []sensor.SeriesPoint) (string, error) {
	if len(points) == 0 {
		return "", fmt.Errorf("no samples for sensor %s in range", sensorName)
	}

	p, err := r.newPlot(sensorName, tr)
	if err != nil {
		return "", err
	}

	values, err := seriesXYs(points, func(pt sensor.SeriesPoint) float64 { return pt.Value })
	if err != nil {
		return "", err
	}
	valueLine, err := plotter.NewLine(values)
	if err != nil {
		return "", fmt.Errorf("build value line: %w", err)
	}
	valueLine.LineStyle.Color = seriesColor
	valueLine.LineStyle.Width = vg.Points(1.5)

	min, max := valueBounds(points)
	if err := addAnomalyRegions(p, points, min, max); err != nil {
		return "", err
	}

	p.Add(valueLine)
	p.Legend.Add("Sensor Data", valueLine)

	return r.save(p, sensorName)
}

func (r *Renderer) newPlot(sensorName string, tr sensor.TimeRange) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sensor Data: %s", sensorName)
	p.X.Label.Text = fmt.Sprintf("Time: %s to %s", tr.StartString(), tr.EndString())
	p.X.Tick.Marker = plot.TimeTicks{Format: "01-02 15:04"}
	p.X.Min = float64(tr.Start.Unix())
	p.X.Max = float64(tr.End.Unix())
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p, nil
}

func (r *Renderer) save(p *plot.Plot, sensorName string) (string, error) {
	filename := fmt.Sprintf("%s.png", uuid.New().String())
	path := filepath.Join(r.imageDir, filename)
	if err := p.Save(15*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", fmt.Errorf("save plot: %w", err)
	}

	r.logger.Debug("rendered sensor plot", "sensor", sensorName, "file", filename)
	return filename, nil
}

// seriesXYs converts samples to plot coordinates with Unix-seconds X values.
func seriesXYs(points []sensor.SeriesPoint, value func(sensor.SeriesPoint) float64) (plotter.XYs, error) {
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		ts, err := time.Parse(sensor.TimestampLayout, pt.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("invalid sample timestamp %q: %w", pt.Timestamp, err)
		}
		xys[i].X = float64(ts.Unix())
		xys[i].Y = value(pt)
	}
	return xys, nil
}

func valueBounds(points []sensor.SeriesPoint) (float64, float64) {
	min, max := points[0].Value, points[0].Value
	for _, pt := range points[1:] {
		if pt.Value < min {
			min = pt.Value
		}
		if pt.Value > max {
			max = pt.Value
		}
	}
	return min, max
}

// addAnomalyRegions shades each contiguous run of flagged samples from the
// bottom to the top of the plot.
func addAnomalyRegions(p *plot.Plot, points []sensor.SeriesPoint, min, max float64) error {
	// Pad the shading past the data so it spans the full visible area
	lo, hi := min-100, max+100

	labelled := false
	runStart := -1
	for i := 0; i <= len(points); i++ {
		flagged := i < len(points) && points[i].AnomalyFlag == 1
		if flagged && runStart < 0 {
			runStart = i
			continue
		}
		if !flagged && runStart >= 0 {
			region, err := anomalyPolygon(points[runStart], points[i-1], lo, hi)
			if err != nil {
				return err
			}
			p.Add(region)
			if !labelled {
				p.Legend.Add("Anomaly", region)
				labelled = true
			}
			runStart = -1
		}
	}
	return nil
}

func anomalyPolygon(first, last sensor.SeriesPoint, lo, hi float64) (*plotter.Polygon, error) {
	start, err := time.Parse(sensor.TimestampLayout, first.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid sample timestamp %q: %w", first.Timestamp, err)
	}
	end, err := time.Parse(sensor.TimestampLayout, last.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid sample timestamp %q: %w", last.Timestamp, err)
	}

	x0, x1 := float64(start.Unix()), float64(end.Unix())
	poly, err := plotter.NewPolygon(plotter.XYs{
		{X: x0, Y: lo},
		{X: x1, Y: lo},
		{X: x1, Y: hi},
		{X: x0, Y: hi},
	})
	if err != nil {
		return nil, fmt.Errorf("build anomaly region: %w", err)
	}
	poly.Color = anomalyColor
	poly.LineStyle = draw.LineStyle{Color: color.Transparent}
	return poly, nil
}
