// Package refine corrects isolated decode errors along stripe boundaries that
// are not aligned with the pixel grid.
//
// The correction is a fixed-point operator. A pixel is a candidate when its
// two neighbours along the stripe direction (offset ±radius) are valid and
// agree with each other but not with the pixel. A candidate takes the
// neighbours' value unless one of those neighbours is itself a candidate.
// Passes repeat until nothing changes, so refining a refined map is a no-op.
package refine

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"slscan/internal/models"
	"slscan/internal/monitoring"
	"slscan/internal/workers"
)

// Options bounds the correction.
type Options struct {
	// Radius is the distance in pixels, along the stripe, at which the two
	// reference neighbours are sampled.
	Radius int
	// Tolerance is the largest difference treated as agreement.
	Tolerance float64
	// MaxPasses caps the number of passes. Refine reports whether the
	// result reached a fixed point within it.
	MaxPasses int
	Workers   int
}

// DefaultOptions returns a one-pixel radius with exact-match agreement.
func DefaultOptions() Options {
	return Options{Radius: 1, Tolerance: 1e-3, MaxPasses: 8}
}

// Stats describes what a Refine call changed.
type Stats struct {
	Corrected int // valid pixels whose value changed
	Filled    int // invalid pixels that received a value
	Passes    int
	Converged bool
}

// StripeAngle converts a capture's stripe tilt into a stripe direction in
// degrees from the +x axis. Codes along x are projected as vertical stripes,
// codes along y as horizontal stripes.
func StripeAngle(dir models.Direction, tilt float64) float64 {
	if dir == models.Horizontal {
		return 90 + tilt
	}
	return tilt
}

// Refine returns a corrected copy of m. tilt is the stripe tilt in degrees
// recorded in the capture metadata for direction dir.
func Refine(m *models.PositionMap, dir models.Direction, tilt float64, opts Options) (*models.PositionMap, Stats, error) {
	if opts.Radius < 1 {
		return nil, Stats{}, fmt.Errorf("refine radius must be at least 1, got %d", opts.Radius)
	}
	if opts.MaxPasses < 1 {
		opts.MaxPasses = 1
	}
	if math.IsNaN(tilt) || math.IsInf(tilt, 0) {
		return nil, Stats{}, fmt.Errorf("refine: non-finite tilt for direction %v", dir)
	}

	rad := StripeAngle(dir, tilt) * math.Pi / 180
	ox := int(math.Round(float64(opts.Radius) * math.Cos(rad)))
	oy := int(math.Round(float64(opts.Radius) * math.Sin(rad)))

	src := m.Clone()
	var stats Stats
	for stats.Passes < opts.MaxPasses {
		dst, corrected, filled := refinePass(src, ox, oy, opts)
		stats.Passes++
		stats.Corrected += corrected
		stats.Filled += filled
		src = dst
		if corrected == 0 && filled == 0 {
			stats.Converged = true
			break
		}
	}
	return src, stats, nil
}

func refinePass(src *models.PositionMap, ox, oy int, opts Options) (*models.PositionMap, int, int) {
	w, h := src.Width, src.Height
	tol := float32(opts.Tolerance)

	agree := func(a, b float32) bool {
		d := a - b
		return d <= tol && d >= -tol
	}

	// target[i] holds the neighbours' value for candidates, Invalid otherwise.
	target := make([]float32, w*h)
	workers.Rows(h, opts.Workers, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				target[i] = models.Invalid
				a, b := src.At(x+ox, y+oy), src.At(x-ox, y-oy)
				if !models.IsValid(a) || !models.IsValid(b) || !agree(a, b) {
					continue
				}
				v := src.Data[i]
				if models.IsValid(v) && agree(v, a) && agree(v, b) {
					continue
				}
				target[i] = (a + b) / 2
			}
		}
	})

	dst := src.Clone()
	var corrected, filled int64
	workers.Rows(h, opts.Workers, func(y0, y1 int) {
		var c, f int64
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				if !models.IsValid(target[i]) {
					continue
				}
				if isCandidate(target, w, h, x+ox, y+oy) || isCandidate(target, w, h, x-ox, y-oy) {
					continue
				}
				if models.IsValid(dst.Data[i]) {
					c++
				} else {
					f++
				}
				dst.Data[i] = target[i]
			}
		}
		atomic.AddInt64(&corrected, c)
		atomic.AddInt64(&filled, f)
	})
	return dst, int(corrected), int(filled)
}

func isCandidate(target []float32, w, h, x, y int) bool {
	if x < 0 || y < 0 || x >= w || y >= h {
		return false
	}
	return models.IsValid(target[y*w+x])
}

// Result collects the outcome of refining several directions of one capture.
type Result struct {
	Refined map[models.Direction]*models.PositionMap
	Stats   map[models.Direction]Stats
	// Skipped holds directions that could not be refined and why.
	Skipped map[models.Direction]error
}

// Directions refines each map in maps using the tilt read from
// metadataPath(dir). A direction whose metadata is missing or broken is
// skipped and reported in Result.Skipped; the others still run.
func Directions(maps map[models.Direction]*models.PositionMap, metadataPath func(models.Direction) string, opts Options) Result {
	res := Result{
		Refined: make(map[models.Direction]*models.PositionMap),
		Stats:   make(map[models.Direction]Stats),
		Skipped: make(map[models.Direction]error),
	}

	dirs := make([]models.Direction, 0, len(maps))
	for dir := range maps {
		dirs = append(dirs, dir)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i] < dirs[j] })

	for _, dir := range dirs {
		path := metadataPath(dir)
		tilt, err := LoadMetadata(path)
		if err != nil {
			monitoring.Logf("refine: skipping direction %v: %v", dir, err)
			res.Skipped[dir] = err
			continue
		}
		refined, stats, err := Refine(maps[dir], dir, tilt, opts)
		if err != nil {
			monitoring.Logf("refine: direction %v failed: %v", dir, err)
			res.Skipped[dir] = err
			continue
		}
		if !stats.Converged {
			monitoring.Logf("refine: direction %v did not settle within %d passes", dir, stats.Passes)
		}
		res.Refined[dir] = refined
		res.Stats[dir] = stats
	}
	return res
}
