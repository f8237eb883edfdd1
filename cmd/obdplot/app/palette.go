package app

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	hueStart   = 210.0
	chroma     = 0.7
	luminance  = 0.55
	paletteMin = 6
)

var (
	backgroundColor = color.White
	gridColor       = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
	axisColor       = color.Black
)

// palette returns n distinguishable line colors of equal lightness, spread
// around the hue circle.
func palette(n int) []color.Color {
	steps := max(n, paletteMin)
	colors := make([]color.Color, n)
	for i := range colors {
		hue := hueStart + float64(i)*360/float64(steps)
		for hue >= 360 {
			hue -= 360
		}
		colors[i] = colorful.Hcl(hue, chroma, luminance).Clamped()
	}
	return colors
}
