// Package visualization renders decoded rasters as PNG previews so an
// operator can inspect a scan without a PFM viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"slscan/internal/fsutil"
	"slscan/internal/models"
)

// Viewer maps raster values into an 8-bit range.
type Viewer struct {
	// Invalid is the colour of pixels without a value
	Invalid color.RGBA

	// lo and hi bound the rendered range; when equal the range is taken from
	// the data
	lo, hi float64
}

// NewViewer creates a viewer that stretches each raster over its own range.
func NewViewer() *Viewer {
	return &Viewer{Invalid: color.RGBA{R: 255, A: 255}}
}

// WithRange fixes the rendered range so previews of several rasters share
// one scale.
func (v *Viewer) WithRange(lo, hi float64) *Viewer {
	out := *v
	out.lo, out.hi = lo, hi
	return &out
}

func (v *Viewer) bounds(values []float32) (float64, float64) {
	if v.lo != v.hi {
		return v.lo, v.hi
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range values {
		if !models.IsValid(x) {
			continue
		}
		lo = math.Min(lo, float64(x))
		hi = math.Max(hi, float64(x))
	}
	if math.IsInf(lo, 0) {
		return 0, 1
	}
	return lo, hi
}

func scale(x, lo, hi float64) uint8 {
	if hi <= lo {
		return 128
	}
	return uint8(math.Max(0, math.Min(255, math.Round((x-lo)/(hi-lo)*255))))
}

// RenderPositionMap draws decoded positions as grey levels.
func (v *Viewer) RenderPositionMap(m *models.PositionMap) image.Image {
	lo, hi := v.bounds(m.Data)
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			val := m.At(x, y)
			if !models.IsValid(val) {
				img.SetRGBA(x, y, v.Invalid)
				continue
			}
			g := scale(float64(val), lo, hi)
			img.SetRGBA(x, y, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img
}

// RenderDisparity draws DX in the green channel and DY in the blue channel.
// Each plane is stretched over its own range unless the viewer has a fixed
// range.
func (v *Viewer) RenderDisparity(d *models.DisparityMap) image.Image {
	xlo, xhi := v.bounds(d.DX)
	ylo, yhi := v.bounds(d.DY)
	img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			dx, dy, ok := d.At(x, y)
			if !ok {
				img.SetRGBA(x, y, v.Invalid)
				continue
			}
			img.SetRGBA(x, y, color.RGBA{
				G: scale(float64(dx), xlo, xhi),
				B: scale(float64(dy), ylo, yhi),
				A: 255,
			})
		}
	}
	return img
}

// SavePreview writes img as a PNG at path.
func SavePreview(img image.Image, path string) error {
	err := fsutil.WriteAtomic(path, func(w io.Writer) error {
		return png.Encode(w, img)
	})
	if err != nil {
		return fmt.Errorf("save preview %s: %w", path, err)
	}
	return nil
}
