package decode

import (
	"errors"
	"fmt"
	"math"

	"slscan/internal/workers"
)

// Classification is the tri-state outcome of comparing a normal and an
// inverted exposure at one pixel.
type Classification uint8

const (
	Black Classification = iota
	White
	Unknown
)

func (c Classification) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("classification(%d)", uint8(c))
}

// DefaultThreshold is the minimum normalised intensity difference for a
// pixel to count as lit or unlit.
const DefaultThreshold = 0.035

// ErrDimensionMismatch is returned when two frames (or a frame and the
// session) disagree on size.
var ErrDimensionMismatch = errors.New("frame dimensions differ")

// ClassifyOptions tunes a single classification call.
type ClassifyOptions struct {
	// Threshold on |normal - inverted| in [0, 1].
	Threshold float64

	// Oriented enables the stripe-aware path: the difference is averaged
	// with its two neighbours along the stripe direction and the threshold
	// is scaled down for diagonal stripes.
	Oriented bool

	// Angle is the stripe direction in degrees from the +x axis. Only used
	// when Oriented is set.
	Angle float64

	// Workers bounds the goroutines used; <= 0 means one per CPU.
	Workers int
}

// DefaultClassifyOptions returns the axis-aligned path with DefaultThreshold.
func DefaultClassifyOptions() ClassifyOptions {
	return ClassifyOptions{Threshold: DefaultThreshold}
}

// Classify compares normal against inverted pixel by pixel.
func Classify(normal, inverted *Plane, opts ClassifyOptions) ([]Classification, error) {
	if normal.Width != inverted.Width || normal.Height != inverted.Height {
		return nil, fmt.Errorf("%w: normal %dx%d, inverted %dx%d", ErrDimensionMismatch,
			normal.Width, normal.Height, inverted.Width, inverted.Height)
	}
	if len(normal.Pix) != normal.Width*normal.Height || len(inverted.Pix) != inverted.Width*inverted.Height {
		return nil, fmt.Errorf("%w: pixel buffer does not match declared size", ErrDimensionMismatch)
	}

	w, h := normal.Width, normal.Height
	out := make([]Classification, w*h)
	threshold := opts.Threshold

	diff := func(x, y int) float64 {
		return normal.At(x, y) - inverted.At(x, y)
	}

	var ox, oy int
	if opts.Oriented {
		rad := opts.Angle * math.Pi / 180
		c, s := math.Cos(rad), math.Sin(rad)
		ox, oy = int(math.Round(c)), int(math.Round(s))
		threshold *= math.Max(math.Abs(c), math.Abs(s))
	}

	workers.Rows(h, opts.Workers, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				d := diff(x, y)
				if opts.Oriented {
					sum, n := d, 1.0
					if normal.In(x+ox, y+oy) {
						sum += diff(x+ox, y+oy)
						n++
					}
					if normal.In(x-ox, y-oy) {
						sum += diff(x-ox, y-oy)
						n++
					}
					d = sum / n
				}
				out[y*w+x] = classifyDiff(d, threshold)
			}
		}
	})
	return out, nil
}

func classifyDiff(d, threshold float64) Classification {
	switch {
	case math.Abs(d) < threshold:
		return Unknown
	case d > 0:
		return White
	default:
		return Black
	}
}
