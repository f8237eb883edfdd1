package app

import (
	"math"

	"github.com/roman-kulish/obd-logger/internal/storage"
)

// Series is one dataset on the chart.
type Series struct {
	Name   string
	Unit   string
	Points []storage.Point
}

// ChartData collects the series of a chart and the bounds of their points.
type ChartData struct {
	Series []*Series

	ElapsedMin, ElapsedMax float64
	ValueMin, ValueMax     float64
	Points                 int
}

func NewChartData() *ChartData {
	return &ChartData{
		ElapsedMin: math.Inf(1),
		ElapsedMax: math.Inf(-1),
		ValueMin:   math.Inf(1),
		ValueMax:   math.Inf(-1),
	}
}

// AddSeries starts a new series; points are added with Update.
func (c *ChartData) AddSeries(name, unit string) *Series {
	s := &Series{Name: name, Unit: unit}
	c.Series = append(c.Series, s)
	return s
}

// Update appends p to s and widens the bounds.
func (c *ChartData) Update(s *Series, p storage.Point) {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return
	}

	s.Points = append(s.Points, p)
	c.Points++

	c.ElapsedMin = min(c.ElapsedMin, p.Elapsed)
	c.ElapsedMax = max(c.ElapsedMax, p.Elapsed)
	c.ValueMin = min(c.ValueMin, p.Value)
	c.ValueMax = max(c.ValueMax, p.Value)
}

// Empty reports whether there is nothing to plot
func (c *ChartData) Empty() bool {
	return c.Points == 0
}

// Bounds returns the plotted ranges. Degenerate ranges are widened so that
// a constant series is drawn across the middle of the plot.
func (c *ChartData) Bounds() (x0, x1, y0, y1 float64) {
	if c.Empty() {
		return 0, 1, 0, 1
	}

	x0, x1 = c.ElapsedMin, c.ElapsedMax
	if x1 == x0 {
		x0, x1 = x0-0.5, x1+0.5
	}

	y0, y1 = c.ValueMin, c.ValueMax
	if y1 == y0 {
		pad := math.Max(math.Abs(y0)*0.1, 1)
		return x0, x1, y0 - pad, y1 + pad
	}

	pad := (y1 - y0) * 0.05
	return x0, x1, y0 - pad, y1 + pad
}
