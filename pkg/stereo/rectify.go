package stereo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"slscan/internal/models"
	"slscan/internal/workers"
)

// Side selects one camera of a rectified pair.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Rectification holds the rectifying rotation shared by both cameras of a
// pair and the per-camera maps from rectified pixels back to original pixels.
type Rectification struct {
	// Width and Height of the rectified rasters.
	Width, Height int

	knew *mat.Dense
	rnew *mat.Dense
	k    [2]*mat.Dense
	dist [2][5]float64
	back [2][9]float64 // rectified pixel -> original normalised ray
	fwd  [2][9]float64 // original normalised ray -> rectified pixel
}

// NewRectification derives the rectifying rotation from the baseline. The
// new x axis follows the baseline, the new y axis is orthogonal to it and to
// the left optical axis. Both views share the left camera matrix with zero
// skew so corresponding points land on the same row.
func NewRectification(left, right *Intrinsics, ex *Extrinsics) (*Rectification, error) {
	if err := left.Validate(); err != nil {
		return nil, fmt.Errorf("left %w", err)
	}
	if err := right.Validate(); err != nil {
		return nil, fmt.Errorf("right %w", err)
	}
	if err := ex.Validate(); err != nil {
		return nil, err
	}

	r := ex.Rotation()

	// right camera centre in the left frame: c = -R^T T
	var cv mat.VecDense
	cv.MulVec(r.T(), mat.NewVecDense(3, append([]float64(nil), ex.T...)))
	c := r3.Vector{X: -cv.AtVec(0), Y: -cv.AtVec(1), Z: -cv.AtVec(2)}

	v1 := c.Normalize()
	v2 := r3.Vector{X: 0, Y: 0, Z: 1}.Cross(v1)
	if v2.Norm() < 1e-9 {
		return nil, fmt.Errorf("baseline is parallel to the optical axis; cannot rectify")
	}
	v2 = v2.Normalize()
	v3 := v1.Cross(v2)

	rnew := mat.NewDense(3, 3, []float64{
		v1.X, v1.Y, v1.Z,
		v2.X, v2.Y, v2.Z,
		v3.X, v3.Y, v3.Z,
	})

	knew := left.Matrix()
	knew.Set(0, 1, 0)

	var knewInv mat.Dense
	if err := knewInv.Inverse(knew); err != nil {
		return nil, fmt.Errorf("invert rectified camera matrix: %w", err)
	}

	rect := &Rectification{
		Width:  left.Width,
		Height: left.Height,
		knew:   knew,
		rnew:   rnew,
		k:      [2]*mat.Dense{left.Matrix(), right.Matrix()},
		dist:   [2][5]float64{left.Coefficients(), right.Coefficients()},
	}

	// left:  ray = Rnew^T Knew^-1 p
	// right: ray = R Rnew^T Knew^-1 p
	var leftBack, rightBack mat.Dense
	leftBack.Mul(rnew.T(), &knewInv)
	rightBack.Mul(r, &leftBack)
	rect.back[Left] = flatten(&leftBack)
	rect.back[Right] = flatten(&rightBack)

	var leftFwd, rightFwd mat.Dense
	if err := leftFwd.Inverse(&leftBack); err != nil {
		return nil, fmt.Errorf("invert left rectifying map: %w", err)
	}
	if err := rightFwd.Inverse(&rightBack); err != nil {
		return nil, fmt.Errorf("invert right rectifying map: %w", err)
	}
	rect.fwd[Left] = flatten(&leftFwd)
	rect.fwd[Right] = flatten(&rightFwd)
	return rect, nil
}

func flatten(m mat.Matrix) [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = m.At(i, j)
		}
	}
	return out
}

func apply(h [9]float64, x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

// distort applies the Brown-Conrady model to a normalised image point.
func distort(d [5]float64, x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// undistort inverts distort by fixed-point iteration.
func undistort(d [5]float64, xd, yd float64) (float64, float64) {
	x, y := xd, yd
	for i := 0; i < 20; i++ {
		k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]
		r2 := x*x + y*y
		radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return x, y
}

// SourcePixel maps a rectified pixel of side back to the original
// (distorted) pixel it samples.
func (r *Rectification) SourcePixel(side Side, u, v float64) (float64, float64, bool) {
	x, y, ok := apply(r.back[side], u, v)
	if !ok {
		return 0, 0, false
	}
	xd, yd := distort(r.dist[side], x, y)
	k := r.k[side]
	return k.At(0, 0)*xd + k.At(0, 1)*yd + k.At(0, 2), k.At(1, 1)*yd + k.At(1, 2), true
}

// RectifiedPixel maps an original pixel of side to rectified coordinates.
func (r *Rectification) RectifiedPixel(side Side, px, py float64) (float64, float64, bool) {
	k := r.k[side]
	yd := (py - k.At(1, 2)) / k.At(1, 1)
	xd := (px - k.At(0, 2) - k.At(0, 1)*yd) / k.At(0, 0)
	x, y := undistort(r.dist[side], xd, yd)
	return apply(r.fwd[side], x, y)
}

// Rectify resamples a position map of side into the rectified frame. Values
// are interpolated bilinearly only where all four source neighbours are
// valid and lie within one code step of each other; elsewhere the nearest
// source pixel is used.
func (r *Rectification) Rectify(m *models.PositionMap, side Side, nworkers int) (*models.PositionMap, error) {
	if r.Width > 0 && r.Height > 0 && (m.Width != r.Width || m.Height != r.Height) {
		return nil, fmt.Errorf("%s position map is %dx%d, calibration is %dx%d",
			side, m.Width, m.Height, r.Width, r.Height)
	}

	out := models.NewPositionMap(m.Width, m.Height)
	workers.Rows(m.Height, nworkers, func(y0, y1 int) {
		for v := y0; v < y1; v++ {
			for u := 0; u < m.Width; u++ {
				sx, sy, ok := r.SourcePixel(side, float64(u), float64(v))
				if !ok {
					continue
				}
				out.Data[v*m.Width+u] = Sample(m, sx, sy)
			}
		}
	})
	return out, nil
}

// Sample reads m at a fractional pixel position.
func Sample(m *models.PositionMap, x, y float64) float32 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))

	a, b := m.At(x0, y0), m.At(x0+1, y0)
	c, d := m.At(x0, y0+1), m.At(x0+1, y0+1)
	if models.IsValid(a) && models.IsValid(b) && models.IsValid(c) && models.IsValid(d) {
		lo, hi := a, a
		for _, v := range []float32{b, c, d} {
			lo = float32(math.Min(float64(lo), float64(v)))
			hi = float32(math.Max(float64(hi), float64(v)))
		}
		if hi-lo <= 1 {
			top := a*(1-fx) + b*fx
			bottom := c*(1-fx) + d*fx
			return top*(1-fy) + bottom*fy
		}
	}
	return m.At(int(math.Round(x)), int(math.Round(y)))
}

// Rotation returns the rectifying rotation of the left camera.
func (r *Rectification) Rotation() *mat.Dense {
	return mat.DenseCopyOf(r.rnew)
}

// CameraMatrix returns the camera matrix shared by both rectified views.
func (r *Rectification) CameraMatrix() *mat.Dense {
	return mat.DenseCopyOf(r.knew)
}
