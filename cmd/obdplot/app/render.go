package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
)

const (
	minPlotSize = 100
	lineWidth   = 2

	// Default border sizes in pixels
	defaultTopBorder    = 40
	defaultLeftBorder   = 90
	defaultBottomBorder = 60
	defaultRightBorder  = 40
)

// BorderConfig defines the sizes of white space around the plot area
type BorderConfig struct {
	Top    int // Space for the legend
	Left   int // Space for the value scale
	Bottom int // Space for the elapsed time scale and information bar
	Right  int // Right padding
}

// RenderConfig holds all configuration options for chart rendering
type RenderConfig struct {
	Width, Height int // plot area
	FontSize      float64
	NoAnnotations bool
	BorderConfig  BorderConfig
}

// ChartRenderer draws datasets as line charts
type ChartRenderer struct {
	config RenderConfig
}

// NewChartRenderer creates a new chart renderer with the given configuration
func NewChartRenderer(config RenderConfig) (*ChartRenderer, error) {
	if config.Width < minPlotSize || config.Height < minPlotSize {
		return nil, fmt.Errorf("plot area must be at least %dx%d pixels: %dx%d given", minPlotSize, minPlotSize, config.Width, config.Height)
	}

	// Set defaults for zero values
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	return &ChartRenderer{config: config}, nil
}

// plotArea maps chart coordinates into image pixels.
type plotArea struct {
	rect   image.Rectangle
	x0, x1 float64
	y0, y1 float64
}

func (p plotArea) point(elapsed, value float64) image.Point {
	x := p.rect.Min.X + int(math.Round((elapsed-p.x0)/(p.x1-p.x0)*float64(p.rect.Dx()-1)))
	y := p.rect.Max.Y - 1 - int(math.Round((value-p.y0)/(p.y1-p.y0)*float64(p.rect.Dy()-1)))
	return image.Pt(x, y)
}

// Render creates an image of the chart with annotations
func (r *ChartRenderer) Render(chart *ChartData) (*image.RGBA, error) {
	if chart.Empty() {
		return nil, fmt.Errorf("no points to plot")
	}

	b := r.config.BorderConfig
	img := image.NewRGBA(image.Rect(0, 0, b.Left+r.config.Width+b.Right, b.Top+r.config.Height+b.Bottom))
	draw.Draw(img, img.Bounds(), image.NewUniform(backgroundColor), image.Point{}, draw.Src)

	x0, x1, y0, y1 := chart.Bounds()
	area := plotArea{
		rect: image.Rect(b.Left, b.Top, b.Left+r.config.Width, b.Top+r.config.Height),
		x0:   x0,
		x1:   x1,
		y0:   y0,
		y1:   y1,
	}

	colors := palette(len(chart.Series))

	if !r.config.NoAnnotations {
		ann, err := newAnnotator(r.config.FontSize)
		if err != nil {
			return nil, fmt.Errorf("creating annotator: %w", err)
		}
		defer ann.Close()

		if err = ann.annotate(img, area, chart, colors); err != nil {
			return nil, fmt.Errorf("drawing annotations: %w", err)
		}
	}

	drawFrame(img, area.rect)

	for i, s := range chart.Series {
		drawSeries(img, area, s, colors[i])
	}

	return img, nil
}

func drawFrame(img *image.RGBA, rect image.Rectangle) {
	for x := rect.Min.X; x < rect.Max.X; x++ {
		img.Set(x, rect.Max.Y, axisColor)
	}
	for y := rect.Min.Y; y <= rect.Max.Y; y++ {
		img.Set(rect.Min.X-1, y, axisColor)
	}
}

// drawSeries connects consecutive points of s. A single point is drawn as a dot.
func drawSeries(img *image.RGBA, area plotArea, s *Series, c color.Color) {
	if len(s.Points) == 1 {
		p := area.point(s.Points[0].Elapsed, s.Points[0].Value)
		drawLine(img, p, p, c, area.rect)
		return
	}

	for i := 1; i < len(s.Points); i++ {
		from := area.point(s.Points[i-1].Elapsed, s.Points[i-1].Value)
		to := area.point(s.Points[i].Elapsed, s.Points[i].Value)
		drawLine(img, from, to, c, area.rect)
	}
}

// drawLine is Bresenham's algorithm with a square pen, clipped to clip.
func drawLine(img *image.RGBA, from, to image.Point, c color.Color, clip image.Rectangle) {
	dx := abs(to.X - from.X)
	dy := -abs(to.Y - from.Y)
	sx, sy := 1, 1
	if from.X > to.X {
		sx = -1
	}
	if from.Y > to.Y {
		sy = -1
	}

	x, y := from.X, from.Y
	e := dx + dy
	for {
		for px := 0; px < lineWidth; px++ {
			for py := 0; py < lineWidth; py++ {
				if pt := image.Pt(x+px, y-py); pt.In(clip) {
					img.Set(pt.X, pt.Y, c)
				}
			}
		}

		if x == to.X && y == to.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
