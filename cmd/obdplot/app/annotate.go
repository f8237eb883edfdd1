package app

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi            = 96.0
	fontSize       = 10.0
	tickMarkLength = 5
	pixelsPerLabel = 120.0
	legendSwatch   = 10
	legendSpacing  = 20
)

type annotator struct {
	context  *freetype.Context
	fontFace font.Face
}

func newAnnotator(size float64) (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(size)
	ctx.SetHinting(font.HintingFull)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    size,
			DPI:     dpi,
			Hinting: font.HintingFull,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, area plotArea, chart *ChartData, colors []color.Color) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	ops := []struct {
		msg string
		fn  func() error
	}{
		{"drawing value scale", func() error { return a.drawValueScale(img, area) }},
		{"drawing elapsed scale", func() error { return a.drawElapsedScale(img, area) }},
		{"drawing legend", func() error { return a.drawLegend(img, area, chart, colors) }},
		{"drawing info bar", func() error { return a.drawInfoBar(img, chart) }},
	}
	for _, op := range ops {
		if err := op.fn(); err != nil {
			return fmt.Errorf("%s: %w", op.msg, err)
		}
	}

	return nil
}

func (a *annotator) textHeight() int {
	m := a.fontFace.Metrics()
	return (m.Ascent + m.Descent).Round()
}

func (a *annotator) textWidth(s string) int {
	return font.MeasureString(a.fontFace, s).Round()
}

func (a *annotator) drawString(s string, x, y int) error {
	_, err := a.context.DrawString(s, freetype.Pt(x, y))
	return err
}

func (a *annotator) drawValueScale(img *image.RGBA, area plotArea) error {
	step := niceStep(area.y1-area.y0, float64(area.rect.Dy())/(pixelsPerLabel/2))
	digits := max(0, -int(math.Floor(math.Log10(step))))
	descent := a.fontFace.Metrics().Descent.Round()

	for v := math.Ceil(area.y0/step) * step; v <= area.y1; v += step {
		y := area.point(area.x0, v).Y

		// grid line across the plot and tick mark on the axis
		for x := area.rect.Min.X; x < area.rect.Max.X; x++ {
			img.Set(x, y, gridColor)
		}
		for x := area.rect.Min.X - tickMarkLength; x < area.rect.Min.X; x++ {
			img.Set(x, y, axisColor)
		}

		label := humanize.FtoaWithDigits(v, digits)
		if label == "-0" {
			label = "0"
		}
		x := area.rect.Min.X - tickMarkLength - 4 - a.textWidth(label)
		if err := a.drawString(label, x, y+a.textHeight()/2-descent); err != nil {
			return err
		}
	}
	return nil
}

func (a *annotator) drawElapsedScale(img *image.RGBA, area plotArea) error {
	step := niceStep(area.x1-area.x0, float64(area.rect.Dx())/pixelsPerLabel)
	textY := area.rect.Max.Y + tickMarkLength + a.textHeight()

	for t := math.Ceil(area.x0/step) * step; t <= area.x1; t += step {
		x := area.point(t, area.y0).X

		for y := area.rect.Max.Y; y < area.rect.Max.Y+tickMarkLength; y++ {
			img.Set(x, y, axisColor)
		}

		label := formatElapsed(t, step)
		if err := a.drawString(label, x-a.textWidth(label)/2, textY); err != nil {
			return err
		}
	}
	return nil
}

func (a *annotator) drawLegend(img *image.RGBA, area plotArea, chart *ChartData, colors []color.Color) error {
	x := area.rect.Min.X
	y := area.rect.Min.Y - (legendSpacing - legendSwatch)

	for i, s := range chart.Series {
		for sx := 0; sx < legendSwatch; sx++ {
			for sy := 0; sy < legendSwatch; sy++ {
				img.Set(x+sx, y-sy, colors[i])
			}
		}

		label := s.Name
		if s.Unit != "" {
			label = fmt.Sprintf("%s (%s)", s.Name, s.Unit)
		}
		if err := a.drawString(label, x+legendSwatch+4, y); err != nil {
			return err
		}
		x += legendSwatch + 4 + a.textWidth(label) + legendSpacing
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, chart *ChartData) error {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s points", humanize.Comma(int64(chart.Points))))
	sb.WriteString("; ")
	sb.WriteString(fmt.Sprintf("Elapsed: %s - %s",
		formatElapsed(chart.ElapsedMin, 1),
		formatElapsed(chart.ElapsedMax, 1)))
	sb.WriteString("; ")
	sb.WriteString(fmt.Sprintf("Values: %s - %s",
		humanize.FtoaWithDigits(chart.ValueMin, 3),
		humanize.FtoaWithDigits(chart.ValueMax, 3)))

	textY := img.Bounds().Max.Y - a.fontFace.Metrics().Descent.Round() - 4
	return a.drawString(sb.String(), 4, textY)
}

// niceStep returns a 1, 2 or 5 times power of ten step that splits span into
// about labels parts.
func niceStep(span, labels float64) float64 {
	if span <= 0 || labels < 1 {
		return math.Max(span, 1)
	}

	rough := span / labels
	magnitude := math.Pow(10, math.Floor(math.Log10(rough)))

	for _, m := range []float64{1, 2, 5, 10} {
		if step := m * magnitude; step >= rough {
			return step
		}
	}
	return 10 * magnitude
}

// formatElapsed prints seconds as a duration, with tenths when step is
// below a second.
func formatElapsed(seconds, step float64) string {
	if step < 1 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	return (time.Duration(math.Round(seconds)) * time.Second).String()
}
