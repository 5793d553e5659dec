package models

import (
	"fmt"
	"math"
)

// Invalid marks a pixel whose position (or disparity) could not be decoded.
var Invalid = float32(math.Inf(1))

// IsValid reports whether v is a decoded value rather than the sentinel.
func IsValid(v float32) bool {
	return !math.IsInf(float64(v), 0) && !math.IsNaN(float64(v))
}

// Direction identifies which image axis a code sequence encodes.
type Direction int

const (
	// Horizontal codes vary along x (vertical stripes).
	Horizontal Direction = iota
	// Vertical codes vary along y (horizontal stripes).
	Vertical
)

// Directions lists both decode directions in processing order.
var Directions = []Direction{Horizontal, Vertical}

func (d Direction) String() string {
	switch d {
	case Horizontal:
		return "x"
	case Vertical:
		return "y"
	}
	return fmt.Sprintf("dir%d", int(d))
}

// PositionMap is a decoded position raster for one (projector, position,
// direction) triple
type PositionMap struct {
	// Width and Height are the raster dimensions in pixels
	Width, Height int

	// Data holds one decoded position per pixel in row-major order with a
	// top-left origin; undecoded pixels hold Invalid
	Data []float32
}

// NewPositionMap allocates a map with every pixel set to Invalid.
func NewPositionMap(width, height int) *PositionMap {
	data := make([]float32, width*height)
	for i := range data {
		data[i] = Invalid
	}
	return &PositionMap{Width: width, Height: height, Data: data}
}

// In reports whether (x, y) lies inside the raster.
func (m *PositionMap) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.Width && y < m.Height
}

// At returns the value at (x, y), or Invalid outside the raster.
func (m *PositionMap) At(x, y int) float32 {
	if !m.In(x, y) {
		return Invalid
	}
	return m.Data[y*m.Width+x]
}

// Set stores v at (x, y). Out of range writes are ignored.
func (m *PositionMap) Set(x, y int, v float32) {
	if m.In(x, y) {
		m.Data[y*m.Width+x] = v
	}
}

// Clone returns a deep copy.
func (m *PositionMap) Clone() *PositionMap {
	out := &PositionMap{Width: m.Width, Height: m.Height, Data: make([]float32, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// ValidCount returns the number of decoded pixels.
func (m *PositionMap) ValidCount() int {
	n := 0
	for _, v := range m.Data {
		if IsValid(v) {
			n++
		}
	}
	return n
}

// DisparityMap stores a per-pixel displacement from a left view to a right view.
// DX = x_right - x_left and DY = y_right - y_left.
type DisparityMap struct {
	Width, Height int
	DX, DY        []float32
}

// NewDisparityMap allocates a map with every entry invalid.
func NewDisparityMap(width, height int) *DisparityMap {
	d := &DisparityMap{
		Width:  width,
		Height: height,
		DX:     make([]float32, width*height),
		DY:     make([]float32, width*height),
	}
	for i := range d.DX {
		d.DX[i] = Invalid
		d.DY[i] = Invalid
	}
	return d
}

// In reports whether (x, y) lies inside the raster.
func (d *DisparityMap) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < d.Width && y < d.Height
}

// At returns the displacement at (x, y) and whether it is valid.
func (d *DisparityMap) At(x, y int) (dx, dy float32, ok bool) {
	if !d.In(x, y) {
		return Invalid, Invalid, false
	}
	i := y*d.Width + x
	dx, dy = d.DX[i], d.DY[i]
	return dx, dy, IsValid(dx) && IsValid(dy)
}

// Set stores a displacement at (x, y).
func (d *DisparityMap) Set(x, y int, dx, dy float32) {
	if d.In(x, y) {
		i := y*d.Width + x
		d.DX[i] = dx
		d.DY[i] = dy
	}
}

// Invalidate marks (x, y) as having no correspondence.
func (d *DisparityMap) Invalidate(x, y int) {
	d.Set(x, y, Invalid, Invalid)
}

// ValidCount returns the number of pixels with a correspondence.
func (d *DisparityMap) ValidCount() int {
	n := 0
	for i := range d.DX {
		if IsValid(d.DX[i]) && IsValid(d.DY[i]) {
			n++
		}
	}
	return n
}

// ViewKey identifies one camera viewpoint lit by one projector.
type ViewKey struct {
	Projector int
	Position  int
}

// PairKey identifies an ordered viewpoint pair under one projector.
type PairKey struct {
	Projector int
	Left      int
	Right     int
}

func (k PairKey) String() string {
	return fmt.Sprintf("proj%d/pos%d%d", k.Projector, k.Left, k.Right)
}

// Pairs returns adjacent pairs (p[i], p[i+1]) of sorted positions.
func Pairs(projector int, positions []int) []PairKey {
	var out []PairKey
	for i := 0; i+1 < len(positions); i++ {
		out = append(out, PairKey{Projector: projector, Left: positions[i], Right: positions[i+1]})
	}
	return out
}
