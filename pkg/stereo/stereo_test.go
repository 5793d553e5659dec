package stereo

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slscan/internal/models"
)

func pinhole(w, h int, f float64, dist ...float64) *Intrinsics {
	return &Intrinsics{
		Pattern: "chessboard",
		Width:   w,
		Height:  h,
		K:       []float64{f, 0, float64(w) / 2, 0, f, float64(h) / 2, 0, 0, 1},
		Dist:    dist,
	}
}

func sideBySide() *Extrinsics {
	return &Extrinsics{
		Pattern: "chessboard",
		R:       []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		T:       []float64{-1, 0, 0},
	}
}

func TestIdentityRigRectifiesToItself(t *testing.T) {
	in := pinhole(16, 12, 20)
	rect, err := NewRectification(in, in, sideBySide())
	require.NoError(t, err)

	for _, side := range []Side{Left, Right} {
		x, y, ok := rect.SourcePixel(side, 5, 7)
		require.True(t, ok)
		assert.InDelta(t, 5, x, 1e-9)
		assert.InDelta(t, 7, y, 1e-9)
	}

	m := models.NewPositionMap(16, 12)
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			m.Set(x, y, float32(x))
		}
	}
	m.Set(3, 3, models.Invalid)

	out, err := rect.Rectify(m, Left, 3)
	require.NoError(t, err)
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			if x == 3 && y == 3 {
				assert.False(t, models.IsValid(out.At(x, y)))
				continue
			}
			assert.InDelta(t, float64(x), float64(out.At(x, y)), 1e-4, "(%d,%d)", x, y)
		}
	}
}

func rotY(deg float64) []float64 {
	a := deg * math.Pi / 180
	c, s := math.Cos(a), math.Sin(a)
	return []float64{c, 0, s, 0, 1, 0, -s, 0, c}
}

func project(in *Intrinsics, x, y, z float64) (float64, float64) {
	xd, yd := distort(in.Coefficients(), x/z, y/z)
	return in.K[0]*xd + in.K[2], in.K[4]*yd + in.K[5]
}

func TestRectificationAlignsRows(t *testing.T) {
	left := pinhole(640, 480, 500, -0.1, 0.01)
	right := pinhole(640, 480, 520, -0.05)
	ex := &Extrinsics{R: rotY(4), T: []float64{-0.2, 0.01, 0.005}}

	rect, err := NewRectification(left, right, ex)
	require.NoError(t, err)

	r := ex.Rotation()
	for _, p := range [][3]float64{{0.1, 0.2, 2}, {-0.3, -0.1, 3}, {0.4, -0.25, 2.5}} {
		lx, ly := project(left, p[0], p[1], p[2])
		xr := r.At(0, 0)*p[0] + r.At(0, 1)*p[1] + r.At(0, 2)*p[2] + ex.T[0]
		yr := r.At(1, 0)*p[0] + r.At(1, 1)*p[1] + r.At(1, 2)*p[2] + ex.T[1]
		zr := r.At(2, 0)*p[0] + r.At(2, 1)*p[1] + r.At(2, 2)*p[2] + ex.T[2]
		rx, ry := project(right, xr, yr, zr)

		_, lv, ok := rect.RectifiedPixel(Left, lx, ly)
		require.True(t, ok)
		_, rv, ok := rect.RectifiedPixel(Right, rx, ry)
		require.True(t, ok)
		assert.InDelta(t, lv, rv, 1e-3, "point %v", p)
	}
}

func TestSourceAndRectifiedPixelInvert(t *testing.T) {
	left := pinhole(640, 480, 500, -0.1)
	right := pinhole(640, 480, 500, 0.05, 0, 0.001, -0.001)
	rect, err := NewRectification(left, right, &Extrinsics{R: rotY(-3), T: []float64{-0.15, 0, 0.01}})
	require.NoError(t, err)

	for _, side := range []Side{Left, Right} {
		for v := 200.0; v <= 280; v += 40 {
			for u := 240.0; u <= 400; u += 80 {
				sx, sy, ok := rect.SourcePixel(side, u, v)
				require.True(t, ok)
				bu, bv, ok := rect.RectifiedPixel(side, sx, sy)
				require.True(t, ok)
				assert.InDelta(t, u, bu, 1e-3, "%s (%g,%g)", side, u, v)
				assert.InDelta(t, v, bv, 1e-3, "%s (%g,%g)", side, u, v)
			}
		}
	}
}

func TestRectifyRejectsWrongSize(t *testing.T) {
	in := pinhole(16, 12, 20)
	rect, err := NewRectification(in, in, sideBySide())
	require.NoError(t, err)
	_, err = rect.Rectify(models.NewPositionMap(8, 8), Right, 1)
	assert.Error(t, err)
}

func TestNewRectificationValidates(t *testing.T) {
	in := pinhole(16, 12, 20)
	bad := &Extrinsics{R: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, T: []float64{0, 0, 0}}
	_, err := NewRectification(in, in, bad)
	assert.Error(t, err)

	forward := &Extrinsics{R: []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, T: []float64{0, 0, -1}}
	_, err = NewRectification(in, in, forward)
	assert.Error(t, err)

	singular := &Intrinsics{K: make([]float64, 9)}
	_, err = NewRectification(singular, in, sideBySide())
	assert.Error(t, err)
}

func TestCalibrationFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadIntrinsics(filepath.Join(dir, "intrinsics.yml"))
	assert.ErrorIs(t, err, ErrMissingCalibration)
	_, err = LoadExtrinsics(filepath.Join(dir, "extrinsics.yml"))
	assert.ErrorIs(t, err, ErrMissingCalibration)

	in := pinhole(640, 480, 500, -0.1, 0.01, 0, 0, 0.001)
	require.NoError(t, SaveIntrinsics(filepath.Join(dir, "intrinsics.yml"), in))
	got, err := LoadIntrinsics(filepath.Join(dir, "intrinsics.yml"))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	ex := sideBySide()
	require.NoError(t, SaveExtrinsics(filepath.Join(dir, "extrinsics.yml"), ex))
	gotEx, err := LoadExtrinsics(filepath.Join(dir, "extrinsics.yml"))
	require.NoError(t, err)
	assert.Equal(t, ex, gotEx)
}

func labelMaps(w, h int) (*models.PositionMap, *models.PositionMap) {
	return models.NewPositionMap(w, h), models.NewPositionMap(w, h)
}

func TestDisparityMatchesLabels(t *testing.T) {
	lx, ly := labelMaps(8, 6)
	rx, ry := labelMaps(8, 6)

	lx.Set(2, 3, 10)
	ly.Set(2, 3, 4)
	rx.Set(5, 3, 10)
	ry.Set(5, 3, 4)

	// no partner on the right
	lx.Set(6, 1, 99)
	ly.Set(6, 1, 2)

	// partner only on another row
	lx.Set(1, 0, 7)
	ly.Set(1, 0, 7)
	rx.Set(4, 2, 7)
	ry.Set(4, 2, 7)

	d, err := Disparity([]*models.PositionMap{lx, ly}, []*models.PositionMap{rx, ry}, DefaultDisparityOptions())
	require.NoError(t, err)

	dx, dy, ok := d.At(2, 3)
	require.True(t, ok)
	assert.Equal(t, float32(3), dx)
	assert.Equal(t, float32(0), dy)

	_, _, ok = d.At(6, 1)
	assert.False(t, ok)
	_, _, ok = d.At(1, 0)
	assert.False(t, ok)
	assert.Equal(t, 1, d.ValidCount())

	opts := DefaultDisparityOptions()
	opts.RowSlack = 2
	d, err = Disparity([]*models.PositionMap{lx, ly}, []*models.PositionMap{rx, ry}, opts)
	require.NoError(t, err)
	dx, dy, ok = d.At(1, 0)
	require.True(t, ok)
	assert.Equal(t, float32(3), dx)
	assert.Equal(t, float32(2), dy)
}

func TestDisparityAveragesStripeRun(t *testing.T) {
	// one code column spans three right pixels
	left := models.NewPositionMap(10, 1)
	right := models.NewPositionMap(10, 1)
	left.Set(1, 0, 4)
	right.Set(4, 0, 4)
	right.Set(5, 0, 4)
	right.Set(6, 0, 4)
	right.Set(7, 0, 5)

	d, err := Disparity([]*models.PositionMap{left}, []*models.PositionMap{right}, DefaultDisparityOptions())
	require.NoError(t, err)
	dx, _, ok := d.At(1, 0)
	require.True(t, ok)
	assert.Equal(t, float32(4), dx)
}

func TestDisparityRejectsMismatchedInput(t *testing.T) {
	a := models.NewPositionMap(4, 4)
	b := models.NewPositionMap(5, 4)
	_, err := Disparity([]*models.PositionMap{a}, []*models.PositionMap{b}, DefaultDisparityOptions())
	assert.Error(t, err)
	_, err = Disparity([]*models.PositionMap{a}, nil, DefaultDisparityOptions())
	assert.Error(t, err)
}

func constantDisparity(w, h int, dx float32) *models.DisparityMap {
	d := models.NewDisparityMap(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d.Set(x, y, dx, 0)
		}
	}
	return d
}

func TestMergeDropsInconsistentChains(t *testing.T) {
	f0, f1 := constantDisparity(12, 1, 2), constantDisparity(12, 1, 3)
	b0, b1 := constantDisparity(12, 1, -2), constantDisparity(12, 1, -3)
	// the walk back from the chain starting at x=2 lands on x=4 instead of 2
	b0.Set(4, 0, 0, 0)

	merged, stats, err := Merge([]*models.DisparityMap{f0, f1}, []*models.DisparityMap{b0, b1}, DefaultMergeOptions())
	require.NoError(t, err)

	assert.Equal(t, MergeStats{Valid: 6, Broken: 5, Inconsistent: 1}, stats)
	for x := 0; x < 7; x++ {
		dx, _, ok := merged.At(x, 0)
		if x == 2 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "x=%d", x)
		assert.Equal(t, float32(5), dx)
	}
	_, _, ok := merged.At(8, 0)
	assert.False(t, ok)
}

func TestMergeSinglePairIsRoundTripChecked(t *testing.T) {
	f, b := constantDisparity(4, 4, 1), constantDisparity(4, 4, -1)
	b.Set(2, 2, 1, 1)
	merged, stats, err := Merge([]*models.DisparityMap{f}, []*models.DisparityMap{b}, DefaultMergeOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inconsistent)
	_, _, ok := merged.At(1, 2)
	assert.False(t, ok)
}

func TestMergeValidatesChains(t *testing.T) {
	f := constantDisparity(2, 2, 1)
	_, _, err := Merge([]*models.DisparityMap{f}, nil, DefaultMergeOptions())
	assert.Error(t, err)
	_, _, err = Merge([]*models.DisparityMap{f}, []*models.DisparityMap{nil}, DefaultMergeOptions())
	assert.Error(t, err)
}

func TestFuse(t *testing.T) {
	a, b, c := models.NewDisparityMap(2, 1), models.NewDisparityMap(2, 1), models.NewDisparityMap(2, 1)
	a.Set(0, 0, 4, 0)
	b.Set(0, 0, 4.2, 0)
	c.Set(0, 0, 10, 0)
	a.Set(1, 0, 1, 0)
	b.Set(1, 0, 5, 0)

	fused, err := Fuse([]*models.DisparityMap{a, b, c}, FuseOptions{Tolerance: 1, MinAgree: 2})
	require.NoError(t, err)

	dx, dy, ok := fused.At(0, 0)
	require.True(t, ok)
	assert.InDelta(t, 4.1, float64(dx), 1e-5)
	assert.Equal(t, float32(0), dy)

	_, _, ok = fused.At(1, 0)
	assert.False(t, ok)

	_, err = Fuse(nil, DefaultFuseOptions())
	assert.Error(t, err)
}

func TestReprojectIdentityRig(t *testing.T) {
	in := pinhole(8, 6, 10)
	rect, err := NewRectification(in, in, sideBySide())
	require.NoError(t, err)

	d := models.NewDisparityMap(8, 6)
	d.Set(2, 3, 3, 0)

	corr, orig, err := Reproject(rect, d, 2)
	require.NoError(t, err)
	require.Len(t, corr, 1)
	assert.InDelta(t, 2, corr[0].Left.X, 1e-9)
	assert.InDelta(t, 3, corr[0].Left.Y, 1e-9)
	assert.InDelta(t, 5, corr[0].Right.X, 1e-9)
	assert.InDelta(t, 3, corr[0].Right.Y, 1e-9)

	dx, dy, ok := orig.At(2, 3)
	require.True(t, ok)
	assert.InDelta(t, 3, float64(dx), 1e-5)
	assert.InDelta(t, 0, float64(dy), 1e-5)
	assert.Equal(t, 1, orig.ValidCount())

	back := Backward(corr, 8, 6)
	dx, _, ok = back.At(5, 3)
	require.True(t, ok)
	assert.InDelta(t, -3, float64(dx), 1e-5)
}

func TestSummarize(t *testing.T) {
	d := models.NewDisparityMap(2, 2)
	d.Set(0, 0, 2, 0)
	d.Set(1, 0, 4, 0)
	s := Summarize(d)
	assert.Equal(t, 2, s.Valid)
	assert.InDelta(t, 3, s.MeanDX, 1e-12)
	assert.InDelta(t, 0.5, s.Coverage, 1e-12)
	assert.Equal(t, 2.0, s.MinDX)
	assert.Equal(t, 4.0, s.MaxDX)

	assert.Equal(t, Summary{}, Summarize(models.NewDisparityMap(0, 0)))
}
