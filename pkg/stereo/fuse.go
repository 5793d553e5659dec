package stereo

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"slscan/internal/models"
	"slscan/internal/workers"
)

// FuseOptions controls how disparities of one view pair measured under
// different projectors are combined.
type FuseOptions struct {
	// Tolerance is the largest distance in pixels from the per-pixel median
	// for a projector's disparity to count as agreeing.
	Tolerance float64
	// MinAgree is the number of agreeing projectors a pixel needs to be kept.
	MinAgree int
	Workers  int
}

// DefaultFuseOptions keeps pixels where at least one projector is within a
// pixel of the median.
func DefaultFuseOptions() FuseOptions {
	return FuseOptions{Tolerance: 1, MinAgree: 1}
}

// Fuse combines disparity maps of the same view pair. For each pixel the
// valid disparities are reduced to their component-wise median, the values
// within Tolerance of it are averaged, and the pixel is dropped when fewer
// than MinAgree projectors agree.
func Fuse(maps []*models.DisparityMap, opts FuseOptions) (*models.DisparityMap, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("fuse needs at least one disparity map")
	}
	if opts.MinAgree < 1 {
		opts.MinAgree = 1
	}
	w, h := maps[0].Width, maps[0].Height
	for _, m := range maps[1:] {
		if m.Width != w || m.Height != h {
			return nil, fmt.Errorf("disparity map %dx%d does not match %dx%d", m.Width, m.Height, w, h)
		}
	}

	out := models.NewDisparityMap(w, h)
	workers.Rows(h, opts.Workers, func(y0, y1 int) {
		xs := make([]float64, 0, len(maps))
		ys := make([]float64, 0, len(maps))
		sorted := make([]float64, 0, len(maps))
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				xs, ys = xs[:0], ys[:0]
				for _, m := range maps {
					if dx, dy, ok := m.At(x, y); ok {
						xs = append(xs, float64(dx))
						ys = append(ys, float64(dy))
					}
				}
				if len(xs) < opts.MinAgree {
					continue
				}
				mx, my := median(xs, sorted), median(ys, sorted)

				var ax, ay []float64
				for i := range xs {
					if math.Hypot(xs[i]-mx, ys[i]-my) <= opts.Tolerance {
						ax = append(ax, xs[i])
						ay = append(ay, ys[i])
					}
				}
				if len(ax) < opts.MinAgree {
					continue
				}
				out.Set(x, y, float32(stat.Mean(ax, nil)), float32(stat.Mean(ay, nil)))
			}
		}
	})
	return out, nil
}

// median uses buf as scratch space so vs keeps its order.
func median(vs, buf []float64) float64 {
	buf = append(buf[:0], vs...)
	sort.Float64s(buf)
	if len(buf)%2 == 1 {
		return buf[len(buf)/2]
	}
	return (stat.Quantile(0.5, stat.Empirical, buf, nil) + buf[len(buf)/2]) / 2
}

// Summary describes the valid entries of a disparity map.
type Summary struct {
	Valid         int
	MeanDX, StdDX float64
	MeanDY, StdDY float64
	MinDX, MaxDX  float64
	Coverage      float64 // fraction of pixels with a correspondence
}

// Summarize computes disparity statistics for job reports.
func Summarize(d *models.DisparityMap) Summary {
	var xs, ys []float64
	for i := range d.DX {
		if models.IsValid(d.DX[i]) && models.IsValid(d.DY[i]) {
			xs = append(xs, float64(d.DX[i]))
			ys = append(ys, float64(d.DY[i]))
		}
	}
	s := Summary{Valid: len(xs)}
	if n := d.Width * d.Height; n > 0 {
		s.Coverage = float64(len(xs)) / float64(n)
	}
	if len(xs) == 0 {
		return s
	}
	s.MeanDX, s.StdDX = stat.MeanStdDev(xs, nil)
	s.MeanDY, s.StdDY = stat.MeanStdDev(ys, nil)
	if len(xs) == 1 {
		s.StdDX, s.StdDY = 0, 0
	}
	s.MinDX, s.MaxDX = xs[0], xs[0]
	for _, v := range xs[1:] {
		s.MinDX = math.Min(s.MinDX, v)
		s.MaxDX = math.Max(s.MaxDX, v)
	}
	return s
}
