// Package decode turns (normal, inverted) exposure pairs into per-pixel code
// words and builds decoded position maps from them.
package decode

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Plane is a single-channel intensity raster normalised to [0, 1].
type Plane struct {
	Width, Height int
	Pix           []float64
}

// NewPlane allocates a zero plane.
func NewPlane(width, height int) *Plane {
	return &Plane{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// In reports whether (x, y) lies inside the plane.
func (p *Plane) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < p.Width && y < p.Height
}

// At returns the intensity at (x, y). Callers must stay in bounds.
func (p *Plane) At(x, y int) float64 {
	return p.Pix[y*p.Width+x]
}

// Set stores v at (x, y).
func (p *Plane) Set(x, y int, v float64) {
	p.Pix[y*p.Width+x] = v
}

// PlaneFromImage averages the R, G and B channels of img. The mean of the
// channels of a difference equals the channel-summed difference divided by
// the channel count, which is what classification thresholds.
func PlaneFromImage(img image.Image) *Plane {
	b := img.Bounds()
	p := NewPlane(b.Dx(), b.Dy())

	switch src := img.(type) {
	case *image.Gray:
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				p.Pix[y*p.Width+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255.0
			}
		}
	case *image.Gray16:
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				p.Pix[y*p.Width+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535.0
			}
		}
	default:
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				p.Pix[y*p.Width+x] = (float64(r) + float64(g) + float64(bl)) / (3 * 65535.0)
			}
		}
	}
	return p
}

// LoadFrame decodes a PNG, JPEG, TIFF or BMP exposure from path.
func LoadFrame(path string) (*Plane, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", path, err)
	}
	return PlaneFromImage(img), nil
}
