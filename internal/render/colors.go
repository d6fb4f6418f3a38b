package render

import (
	"image/color"
	"math"

	"github.com/soma-tiles/spatialview/pkg/colormap"
)

// MissingColor is used for NaN values and missing categories.
var MissingColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// NumericColors normalises values to their finite min/max range and maps them
// through cmap. A constant vector maps to the low end of the colormap.
func NumericColors(values []float64, cmap colormap.Colormap) []color.Color {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	span := hi - lo
	if span <= 0 || math.IsInf(span, 0) || math.IsNaN(span) {
		span = 1
	}

	out := make([]color.Color, len(values))
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = MissingColor
			continue
		}
		out[i] = cmap.At((v - lo) / span)
	}
	return out
}

// CategoricalColors colours each code by its category index. Code -1 (missing)
// uses MissingColor.
func CategoricalColors(codes []int32, palette colormap.CategoricalColormap) []color.Color {
	out := make([]color.Color, len(codes))
	for i, c := range codes {
		if c < 0 {
			out[i] = MissingColor
			continue
		}
		out[i] = palette.AtIndex(int(c))
	}
	return out
}
