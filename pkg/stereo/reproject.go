package stereo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"

	"slscan/internal/models"
	"slscan/internal/workers"
)

// Correspondence links a pixel of the rectified left view to the original
// pixels of both cameras it came from.
type Correspondence struct {
	RectLeft r2.Point
	Left     r2.Point
	Right    r2.Point
}

// Reproject undoes the rectification of a disparity map. Every valid
// rectified match is mapped back to original pixel coordinates of both
// cameras. The returned disparity map is the Forward map of those
// correspondences, in the original left frame.
func Reproject(rect *Rectification, disp *models.DisparityMap, nworkers int) ([]Correspondence, *models.DisparityMap, error) {
	if rect.Width > 0 && rect.Height > 0 && (disp.Width != rect.Width || disp.Height != rect.Height) {
		return nil, nil, fmt.Errorf("disparity map is %dx%d, calibration is %dx%d",
			disp.Width, disp.Height, rect.Width, rect.Height)
	}

	rows := make([][]Correspondence, disp.Height)
	workers.Rows(disp.Height, nworkers, func(y0, y1 int) {
		for v := y0; v < y1; v++ {
			for u := 0; u < disp.Width; u++ {
				dx, dy, ok := disp.At(u, v)
				if !ok {
					continue
				}
				lx, ly, ok := rect.SourcePixel(Left, float64(u), float64(v))
				if !ok {
					continue
				}
				rx, ry, ok := rect.SourcePixel(Right, float64(u)+float64(dx), float64(v)+float64(dy))
				if !ok {
					continue
				}
				rows[v] = append(rows[v], Correspondence{
					RectLeft: r2.Point{X: float64(u), Y: float64(v)},
					Left:     r2.Point{X: lx, Y: ly},
					Right:    r2.Point{X: rx, Y: ry},
				})
			}
		}
	})

	var out []Correspondence
	for _, row := range rows {
		out = append(out, row...)
	}

	return out, Forward(out, disp.Width, disp.Height), nil
}

// Forward indexes correspondences by their nearest original left pixel. When
// several land on one pixel the one closest to the pixel centre wins.
func Forward(corr []Correspondence, width, height int) *models.DisparityMap {
	return scatter(corr, width, height, func(c Correspondence) (r2.Point, r2.Point) { return c.Left, c.Right })
}

// Backward indexes correspondences by their nearest original right pixel,
// giving the disparity from the right view back to the left.
func Backward(corr []Correspondence, width, height int) *models.DisparityMap {
	return scatter(corr, width, height, func(c Correspondence) (r2.Point, r2.Point) { return c.Right, c.Left })
}

func scatter(corr []Correspondence, width, height int, ends func(Correspondence) (r2.Point, r2.Point)) *models.DisparityMap {
	out := models.NewDisparityMap(width, height)
	best := make([]float64, width*height)
	for i := range best {
		best[i] = math.Inf(1)
	}
	for _, c := range corr {
		from, to := ends(c)
		x, y := int(math.Round(from.X)), int(math.Round(from.Y))
		if !out.In(x, y) {
			continue
		}
		off := from.Sub(r2.Point{X: float64(x), Y: float64(y)}).Norm()
		i := y*width + x
		if off >= best[i] {
			continue
		}
		best[i] = off
		d := to.Sub(from)
		out.Set(x, y, float32(d.X), float32(d.Y))
	}
	return out
}
