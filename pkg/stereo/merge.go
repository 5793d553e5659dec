package stereo

import (
	"fmt"
	"math"
	"sync/atomic"

	"slscan/internal/models"
	"slscan/internal/workers"
)

// MergeOptions controls chain composition.
type MergeOptions struct {
	// Tolerance is the largest distance in pixels between a chain's start
	// and the point its round trip lands on.
	Tolerance float64
	Workers   int
}

// DefaultMergeOptions accepts round trips that land within one pixel.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{Tolerance: 1}
}

// MergeStats counts what happened to each valid start pixel.
type MergeStats struct {
	Valid        int // chains that closed within tolerance
	Broken       int // chains with an invalid hop in either direction
	Inconsistent int // chains whose round trip missed the start
}

// Merge composes the disparities of adjacent view pairs 0→1, 1→2, … into a
// single disparity from view 0 to view n. forward[i] maps view i to view
// i+1 and backward[i] maps view i+1 back to view i. Every chain is walked
// out and back; a chain is dropped when any hop is invalid or when the
// return lands more than Tolerance pixels from where it started.
func Merge(forward, backward []*models.DisparityMap, opts MergeOptions) (*models.DisparityMap, MergeStats, error) {
	if len(forward) == 0 || len(forward) != len(backward) {
		return nil, MergeStats{}, fmt.Errorf("merge needs matching forward and backward chains, got %d and %d", len(forward), len(backward))
	}
	if opts.Tolerance < 0 {
		return nil, MergeStats{}, fmt.Errorf("negative merge tolerance %g", opts.Tolerance)
	}
	for i := range forward {
		if forward[i] == nil || backward[i] == nil {
			return nil, MergeStats{}, fmt.Errorf("merge: missing disparity for hop %d", i)
		}
	}

	w, h := forward[0].Width, forward[0].Height
	out := models.NewDisparityMap(w, h)
	var valid, broken, inconsistent int64

	workers.Rows(h, opts.Workers, func(y0, y1 int) {
		var v, b, n int64
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				if _, _, ok := forward[0].At(x, y); !ok {
					continue
				}
				ex, ey, ok := follow(forward, float64(x), float64(y), false)
				if !ok {
					b++
					continue
				}
				bx, by, ok := follow(backward, ex, ey, true)
				if !ok {
					b++
					continue
				}
				if math.Hypot(bx-float64(x), by-float64(y)) > opts.Tolerance {
					n++
					continue
				}
				out.Set(x, y, float32(ex-float64(x)), float32(ey-float64(y)))
				v++
			}
		}
		atomic.AddInt64(&valid, v)
		atomic.AddInt64(&broken, b)
		atomic.AddInt64(&inconsistent, n)
	})

	return out, MergeStats{Valid: int(valid), Broken: int(broken), Inconsistent: int(inconsistent)}, nil
}

// follow walks a chain of disparity maps from (x, y). Each hop reads the map
// at the nearest pixel. reverse walks the chain from its last map to its
// first.
func follow(chain []*models.DisparityMap, x, y float64, reverse bool) (float64, float64, bool) {
	for k := range chain {
		i := k
		if reverse {
			i = len(chain) - 1 - k
		}
		dx, dy, ok := chain[i].At(int(math.Round(x)), int(math.Round(y)))
		if !ok {
			return 0, 0, false
		}
		x += float64(dx)
		y += float64(dy)
	}
	return x, y, true
}
