package stereo

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/kdtree"

	"slscan/internal/models"
	"slscan/internal/workers"
)

// maxLabelDims is the number of decode directions a label can carry.
const maxLabelDims = 2

// label is a right-view pixel indexed by its decoded positions.
type label struct {
	v    [maxLabelDims]float64
	dims int
	x, y int
}

// Compare implements the kdtree.Comparable interface
func (p label) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(label)
	if int(d) >= p.dims {
		panic("illegal dimension")
	}
	return p.v[d] - q.v[d]
}

// Dims returns the number of decoded directions in the label
func (p label) Dims() int { return p.dims }

// Distance returns the squared Euclidean distance between two labels
func (p label) Distance(c kdtree.Comparable) float64 {
	q := c.(label)
	var sum float64
	for i := 0; i < p.dims; i++ {
		d := p.v[i] - q.v[i]
		sum += d * d
	}
	return sum
}

type labels []label

func (p labels) Index(i int) kdtree.Comparable         { return p[i] }
func (p labels) Len() int                              { return len(p) }
func (p labels) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p labels) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(labelPlane{labels: p, Dim: d}, kdtree.MedianOfRandoms(labelPlane{labels: p, Dim: d}, 100))
}

// labelPlane implements sort.Interface and kdtree.SortSlicer for labels
type labelPlane struct {
	labels
	kdtree.Dim
}

func (p labelPlane) Less(i, j int) bool {
	return p.labels[i].v[p.Dim] < p.labels[j].v[p.Dim]
}

func (p labelPlane) Slice(start, end int) kdtree.SortSlicer {
	return labelPlane{labels: p.labels[start:end], Dim: p.Dim}
}

func (p labelPlane) Swap(i, j int) {
	p.labels[i], p.labels[j] = p.labels[j], p.labels[i]
}

// DisparityOptions controls the correspondence search.
type DisparityOptions struct {
	// RowSlack widens the search to rows y-RowSlack..y+RowSlack. Zero
	// searches only the same row, which is right for rectified maps.
	RowSlack int
	// Tolerance is the largest label distance accepted as a match.
	Tolerance float64
	Workers   int
}

// DefaultDisparityOptions searches the same row for labels within half a
// code step.
func DefaultDisparityOptions() DisparityOptions {
	return DisparityOptions{Tolerance: 0.5}
}

// Disparity matches left pixels to right pixels carrying the same decoded
// label. left and right hold one map per decoded direction, in the same order
// on both sides. On each searched row the nearest label within Tolerance is
// found and widened to the contiguous run of matching pixels around it; the
// disparity is the mean offset of those pixels, DX = x_right - x_left.
// Pixels that are invalid on either side, or have no match, stay invalid.
func Disparity(left, right []*models.PositionMap, opts DisparityOptions) (*models.DisparityMap, error) {
	if len(left) == 0 || len(left) != len(right) {
		return nil, fmt.Errorf("disparity needs the same non-zero number of maps per side, got %d and %d", len(left), len(right))
	}
	if len(left) > maxLabelDims {
		return nil, fmt.Errorf("disparity supports at most %d directions, got %d", maxLabelDims, len(left))
	}
	w, h := left[0].Width, left[0].Height
	for i := range left {
		for _, m := range []*models.PositionMap{left[i], right[i]} {
			if m.Width != w || m.Height != h {
				return nil, fmt.Errorf("position map %dx%d does not match %dx%d", m.Width, m.Height, w, h)
			}
		}
	}
	if opts.RowSlack < 0 {
		return nil, fmt.Errorf("negative row slack %d", opts.RowSlack)
	}

	trees := rowTrees(right, w, h, opts.Workers)
	tol2 := opts.Tolerance * opts.Tolerance
	out := models.NewDisparityMap(w, h)

	workers.Rows(h, opts.Workers, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				q, ok := labelAt(left, x, y)
				if !ok {
					continue
				}
				var sumX, sumY float64
				n := 0
				for ry := y - opts.RowSlack; ry <= y+opts.RowSlack; ry++ {
					if ry < 0 || ry >= h || trees[ry] == nil {
						continue
					}
					c, d := trees[ry].Nearest(q)
					if c == nil || d > tol2 {
						continue
					}
					x0, x1 := matchRun(right, q, c.(label).x, ry, tol2)
					for mx := x0; mx <= x1; mx++ {
						sumX += float64(mx)
						sumY += float64(ry)
						n++
					}
				}
				if n == 0 {
					continue
				}
				out.Set(x, y, float32(sumX/float64(n)-float64(x)), float32(sumY/float64(n)-float64(y)))
			}
		}
	})
	return out, nil
}

// matchRun returns the contiguous span of pixels on row y, around x, whose
// labels lie within tol2 (squared) of q.
func matchRun(maps []*models.PositionMap, q label, x, y int, tol2 float64) (int, int) {
	within := func(x int) bool {
		l, ok := labelAt(maps, x, y)
		return ok && q.Distance(l) <= tol2
	}
	x0, x1 := x, x
	for within(x0 - 1) {
		x0--
	}
	for within(x1 + 1) {
		x1++
	}
	return x0, x1
}

func labelAt(maps []*models.PositionMap, x, y int) (label, bool) {
	l := label{dims: len(maps), x: x, y: y}
	for i, m := range maps {
		v := m.At(x, y)
		if !models.IsValid(v) {
			return l, false
		}
		l.v[i] = float64(v)
	}
	return l, true
}

// rowTrees indexes every valid right pixel by label, one tree per row.
func rowTrees(maps []*models.PositionMap, w, h, nworkers int) []*kdtree.Tree {
	trees := make([]*kdtree.Tree, h)
	workers.Rows(h, nworkers, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			var row labels
			for x := 0; x < w; x++ {
				if l, ok := labelAt(maps, x, y); ok {
					row = append(row, l)
				}
			}
			if len(row) > 0 {
				trees[y] = kdtree.New(row, false)
			}
		}
	})
	return trees
}
