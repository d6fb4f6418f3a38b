// Package render provides point overlay rendering using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
)

// ErrInvalidOption is returned for unknown symbols or blending modes.
var ErrInvalidOption = errors.New("invalid render option")

// Config contains renderer configuration.
type Config struct {
	// Size is the width and height of the square canvas in pixels.
	Size int
	// Padding is kept free around the points, in pixels.
	Padding int
}

// Options control how one overlay is drawn.
type Options struct {
	Symbol string // "disc" or "square"
	// Diameter is the marker size in data units; it is multiplied by Scale.
	Diameter float64
	Scale    float64
	Blending string
}

// OverlayRenderer rasterises coloured point overlays.
type OverlayRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewOverlayRenderer creates a new overlay renderer.
func NewOverlayRenderer(cfg Config) *OverlayRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.Padding < 0 || cfg.Padding*2 >= cfg.Size {
		cfg.Padding = 0
	}
	r := &OverlayRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
	return r
}

// BlendingAlpha maps a blending mode to the fill alpha used for markers.
func BlendingAlpha(mode string) (float64, error) {
	switch mode {
	case "", "opaque", "minimum":
		return 1, nil
	case "translucent", "translucent_no_depth":
		return 0.7, nil
	case "additive":
		return 0.5, nil
	default:
		return 0, fmt.Errorf("%w: blending %q", ErrInvalidOption, mode)
	}
}

// RenderPoints draws one marker per point. Points are (row, col) pairs and
// are fitted into the canvas preserving aspect ratio; rows grow downwards.
// Points whose colour is nil or with a non-finite coordinate are skipped.
func (r *OverlayRenderer) RenderPoints(points [][2]float64, colors []color.Color, opts Options) ([]byte, error) {
	if len(colors) != len(points) {
		return nil, fmt.Errorf("%d colors for %d points", len(colors), len(points))
	}
	square := false
	switch opts.Symbol {
	case "", "disc":
	case "square":
		square = true
	default:
		return nil, fmt.Errorf("%w: symbol %q", ErrInvalidOption, opts.Symbol)
	}
	alpha, err := BlendingAlpha(opts.Blending)
	if err != nil {
		return nil, err
	}

	if len(points) == 0 {
		return r.CreateEmptyOverlay()
	}

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	// Transparent canvas so the overlay can sit on top of tissue images.
	dc.SetColor(color.Transparent)
	dc.Clear()

	tr := fit(points, float64(r.config.Size), float64(r.config.Padding))

	scale := opts.Scale
	if scale <= 0 {
		scale = 1
	}
	diameter := opts.Diameter
	if diameter <= 0 {
		diameter = 1
	}
	radius := math.Max(diameter*scale*tr.k/2, 0.5)

	for i, p := range points {
		if colors[i] == nil || !finite(p) {
			continue
		}
		x, y := tr.apply(p)
		dc.SetColor(withAlpha(colors[i], alpha))
		if square {
			dc.DrawRectangle(x-radius, y-radius, 2*radius, 2*radius)
		} else {
			dc.DrawCircle(x, y, radius)
		}
		dc.Fill()
	}

	return r.encodeContext(dc)
}

type transform struct {
	k              float64
	minRow, minCol float64
	offX, offY     float64
}

func (t transform) apply(p [2]float64) (float64, float64) {
	return t.offX + (p[1]-t.minCol)*t.k, t.offY + (p[0]-t.minRow)*t.k
}

// fit computes the uniform scale and offsets that centre the bounding box of
// points in a size x size canvas.
func fit(points [][2]float64, size, padding float64) transform {
	minRow, minCol := math.Inf(1), math.Inf(1)
	maxRow, maxCol := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		if !finite(p) {
			continue
		}
		minRow, maxRow = math.Min(minRow, p[0]), math.Max(maxRow, p[0])
		minCol, maxCol = math.Min(minCol, p[1]), math.Max(maxCol, p[1])
	}
	if math.IsInf(minRow, 1) {
		return transform{k: 1}
	}

	avail := size - 2*padding
	span := math.Max(maxRow-minRow, maxCol-minCol)
	k := 1.0
	if span > 0 {
		k = avail / span
	}
	return transform{
		k:      k,
		minRow: minRow,
		minCol: minCol,
		offX:   padding + (avail-(maxCol-minCol)*k)/2,
		offY:   padding + (avail-(maxRow-minRow)*k)/2,
	}
}

func finite(p [2]float64) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

func withAlpha(c color.Color, alpha float64) color.Color {
	if alpha >= 1 {
		return c
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	n.A = uint8(float64(n.A) * alpha)
	return n
}

func (r *OverlayRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyOverlay creates an empty transparent overlay of the canvas size.
func (r *OverlayRenderer) CreateEmptyOverlay() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.Size, r.config.Size))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
