package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slscan/internal/models"
	"slscan/internal/monitoring"
	"slscan/pkg/codes"
	"slscan/pkg/config"
	"slscan/pkg/decode"
	"slscan/pkg/jobstore"
	"slscan/pkg/layout"
	"slscan/pkg/pfm"
	"slscan/pkg/refine"
	"slscan/pkg/stereo"
)

const (
	frameW = 20
	frameH = 4
	bits   = 4
)

func muteLogs(t *testing.T) {
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })
}

func writeFrame(t *testing.T, path string, value func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, frameW, frameH))
	for y := 0; y < frameH; y++ {
		for x := 0; x < frameW; x++ {
			img.SetGray(x, y, color.Gray{Y: value(x, y)})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// captureView writes Gray-coded vertical stripes one pixel wide. The view at
// shift s sees, at column x, the stripe the projector drew for position
// x+s. Columns past the last position get no contrast.
func captureView(t *testing.T, l layout.Layout, table codes.Table, v models.ViewKey, shift int) {
	t.Helper()
	for bit := 0; bit < table.Bits(); bit++ {
		for _, inverted := range []bool{false, true} {
			writeFrame(t, l.FramePath(v, models.Horizontal, bit, inverted), func(x, y int) uint8 {
				p := x + shift
				if p >= table.Size() {
					return 128
				}
				if table.Bit(p, bit) != inverted {
					return 255
				}
				return 0
			})
		}
	}
}

func calibrate(t *testing.T, l layout.Layout, positions ...int) {
	t.Helper()
	in := &stereo.Intrinsics{
		Pattern: "chessboard",
		Width:   frameW,
		Height:  frameH,
		K:       []float64{20, 0, frameW / 2, 0, 20, frameH / 2, 0, 0, 1},
	}
	require.NoError(t, stereo.SaveIntrinsics(l.IntrinsicsPath(), in))
	for i := 0; i+1 < len(positions); i++ {
		ex := &stereo.Extrinsics{
			Pattern: "chessboard",
			R:       []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
			T:       []float64{-1, 0, 0},
		}
		require.NoError(t, stereo.SaveExtrinsics(l.ExtrinsicsPath(positions[i], positions[i+1]), ex))
	}
}

func newTestRunner(t *testing.T) (*Runner, *jobstore.Store, codes.Table) {
	t.Helper()
	muteLogs(t)
	table, err := codes.NewGray(bits)
	require.NoError(t, err)
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.Previews = true
	cfg.Refine.Enabled = false
	return NewRunner(t.TempDir(), table, store, ParamsFromConfig(cfg)), store, table
}

func TestDecodeView(t *testing.T) {
	r, _, table := newTestRunner(t)
	v := models.ViewKey{Projector: 0, Position: 0}
	captureView(t, r.Layout(), table, v, 0)

	rep, err := r.DecodeView(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, decode.BuildStats{Valid: 16 * frameH, Unknown: 4 * frameH}, rep.Decoded[models.Horizontal])
	assert.ErrorIs(t, rep.Skipped[models.Vertical], ErrMissingInput)

	m, err := pfm.ReadPositionMap(r.Layout().DecodedPath(v, models.Horizontal))
	require.NoError(t, err)
	for x := 0; x < frameW; x++ {
		if x < 16 {
			assert.Equal(t, float32(x), m.At(x, 2), "x=%d", x)
		} else {
			assert.False(t, models.IsValid(m.At(x, 2)), "x=%d", x)
		}
	}
	_, err = os.Stat(layout.PreviewPath(r.Layout().DecodedPath(v, models.Horizontal)))
	assert.NoError(t, err, "preview should be written")
}

func TestDecodeViewWithoutFrames(t *testing.T) {
	r, _, _ := newTestRunner(t)
	_, err := r.DecodeView(context.Background(), models.ViewKey{Projector: 3, Position: 3})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestDecodeViewNeedsEveryFrame(t *testing.T) {
	r, _, table := newTestRunner(t)
	l := r.Layout()
	v := models.ViewKey{Projector: 0, Position: 0}
	captureView(t, l, table, v, 0)
	require.NoError(t, os.Remove(l.FramePath(v, models.Horizontal, table.Bits()-1, true)))

	rep, err := r.DecodeView(context.Background(), v)
	assert.ErrorIs(t, err, ErrMissingInput)
	assert.ErrorIs(t, rep.Skipped[models.Horizontal], ErrMissingInput)
	_, err = os.Stat(l.DecodedPath(v, models.Horizontal))
	assert.True(t, os.IsNotExist(err), "no position map from an incomplete capture")
}

func TestRefineView(t *testing.T) {
	r, _, table := newTestRunner(t)
	v := models.ViewKey{Projector: 0, Position: 0}
	captureView(t, r.Layout(), table, v, 0)
	_, err := r.DecodeView(context.Background(), v)
	require.NoError(t, err)
	require.NoError(t, refine.SaveMetadata(r.Layout().MetadataPath(v, models.Horizontal), 0))

	rep, err := r.RefineView(context.Background(), v)
	require.NoError(t, err)
	assert.Contains(t, rep.Refined, models.Horizontal)
	assert.Contains(t, rep.Skipped, models.Vertical)

	refined, err := pfm.ReadPositionMap(r.Layout().RefinedPath(v, models.Horizontal))
	require.NoError(t, err)
	decoded, err := pfm.ReadPositionMap(r.Layout().DecodedPath(v, models.Horizontal))
	require.NoError(t, err)
	// vertical stripes with an exact decode have nothing to correct
	assert.Equal(t, decoded.Data, refined.Data)
}

func TestRunAllChainsPositions(t *testing.T) {
	r, store, table := newTestRunner(t)
	l := r.Layout()
	for pos, shift := range []int{0, 2, 4} {
		captureView(t, l, table, models.ViewKey{Projector: 0, Position: pos}, shift)
	}
	calibrate(t, l, 0, 1, 2)

	ctx := context.Background()
	rep, err := r.DecodeAll(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.Len(t, rep.Completed, 3)

	rep, err = r.RunAll(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.ElementsMatch(t, []string{"proj0/pos01", "proj0/pos12", "chain proj0/pos02"}, rep.Completed)

	pair := models.PairKey{Projector: 0, Left: 0, Right: 1}
	job, err := store.Latest(pair)
	require.NoError(t, err)
	assert.Equal(t, models.Reprojected, job.State)

	xPath, yPath := layout.DisparityPaths(l.ReprojectedDir(pair), 0, 1)
	d, err := pfm.ReadDisparity(xPath, yPath)
	require.NoError(t, err)
	dx, dy, ok := d.At(6, 1)
	require.True(t, ok)
	assert.InDelta(t, -2, float64(dx), 1e-4)
	assert.InDelta(t, 0, float64(dy), 1e-4)
	_, _, ok = d.At(1, 1)
	assert.False(t, ok, "stripe 1 is outside the right view")

	xPath, yPath = layout.DisparityPaths(l.MergedDir(models.PairKey{Projector: 0, Left: 0, Right: 2}), 0, 2)
	chain, err := pfm.ReadDisparity(xPath, yPath)
	require.NoError(t, err)
	dx, _, ok = chain.At(10, 1)
	require.True(t, ok)
	assert.InDelta(t, -4, float64(dx), 1e-3)
	_, _, ok = chain.At(2, 1)
	assert.False(t, ok)
}

func TestMissingCalibrationFailsOnlyThatJob(t *testing.T) {
	r, store, table := newTestRunner(t)
	l := r.Layout()
	for pos, shift := range []int{0, 2} {
		captureView(t, l, table, models.ViewKey{Projector: 0, Position: pos}, shift)
	}
	ctx := context.Background()
	_, err := r.DecodeAll(ctx)
	require.NoError(t, err)

	pair := models.PairKey{Projector: 0, Left: 0, Right: 1}
	state, err := r.RunPair(ctx, pair)
	assert.ErrorIs(t, err, stereo.ErrMissingCalibration)
	assert.Equal(t, models.Failed, state)

	job, err := store.Latest(pair)
	require.NoError(t, err)
	assert.Equal(t, models.Failed, job.State)
	assert.Contains(t, job.Cause, "calibration")

	// the operator supplies calibration and re-runs only the failed stage
	calibrate(t, l, 0, 1)
	require.NoError(t, r.RunStage(ctx, pair, models.Rectified))
	job, err = store.Latest(pair)
	require.NoError(t, err)
	assert.Equal(t, models.Rectified, job.State)

	assert.Error(t, r.RunStage(ctx, pair, models.Merged), "disparity has not run yet")
	assert.Error(t, r.RunStage(ctx, pair, models.Pending))

	require.NoError(t, r.RunStage(ctx, pair, models.DisparityComputed))
	require.NoError(t, r.RunStage(ctx, pair, models.Merged))
	require.NoError(t, r.RunStage(ctx, pair, models.Reprojected))
	// re-running an earlier stage of a finished job rewinds it
	require.NoError(t, r.RunStage(ctx, pair, models.Merged))
	job, err = store.Latest(pair)
	require.NoError(t, err)
	assert.Equal(t, models.Merged, job.State)
}

func TestRunStageAfterFailureNeedsCompletedStages(t *testing.T) {
	r, store, table := newTestRunner(t)
	l := r.Layout()
	for pos, shift := range []int{0, 2} {
		captureView(t, l, table, models.ViewKey{Projector: 0, Position: pos}, shift)
	}
	calibrate(t, l, 0, 1)
	ctx := context.Background()
	_, err := r.DecodeAll(ctx)
	require.NoError(t, err)

	pair := models.PairKey{Projector: 0, Left: 0, Right: 1}
	state, err := r.RunPair(ctx, pair)
	require.NoError(t, err)
	require.Equal(t, models.Reprojected, state)

	// a new job fails in rectify; the first job's artifacts stay on disk
	require.NoError(t, os.Remove(l.IntrinsicsPath()))
	_, err = r.RunPair(ctx, pair)
	require.ErrorIs(t, err, stereo.ErrMissingCalibration)

	for _, s := range []models.State{models.DisparityComputed, models.Merged, models.Reprojected} {
		assert.Error(t, r.RunStage(ctx, pair, s), "stage %s", s)
	}
	job, err := store.Latest(pair)
	require.NoError(t, err)
	assert.Equal(t, models.Failed, job.State)

	calibrate(t, l, 0, 1)
	require.NoError(t, r.RunStage(ctx, pair, models.Rectified))
	job, err = store.Latest(pair)
	require.NoError(t, err)
	assert.Equal(t, models.Rectified, job.State)
}

func TestRunAllStopsStartingJobsWhenCancelled(t *testing.T) {
	r, store, table := newTestRunner(t)
	l := r.Layout()
	for pos, shift := range []int{0, 2, 4} {
		captureView(t, l, table, models.ViewKey{Projector: 0, Position: pos}, shift)
	}
	_, err := r.DecodeAll(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := r.RunAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Completed)
	assert.Len(t, rep.Skipped, 2)

	jobs, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFuseAcrossProjectors(t *testing.T) {
	r, _, table := newTestRunner(t)
	l := r.Layout()
	for proj := 0; proj < 2; proj++ {
		for pos, shift := range []int{0, 3} {
			captureView(t, l, table, models.ViewKey{Projector: proj, Position: pos}, shift)
		}
	}
	calibrate(t, l, 0, 1)

	ctx := context.Background()
	_, err := r.DecodeAll(ctx)
	require.NoError(t, err)
	rep, err := r.RunAll(ctx)
	require.NoError(t, err)
	require.NoError(t, rep.Err())
	assert.ElementsMatch(t, []string{"proj0/pos01", "proj1/pos01", "fuse pos01"}, rep.Completed)

	xPath, yPath := layout.DisparityPaths(l.FusedDir(0, 1), 0, 1)
	fused, err := pfm.ReadDisparity(xPath, yPath)
	require.NoError(t, err)
	dx, _, ok := fused.At(8, 0)
	require.True(t, ok)
	assert.InDelta(t, -3, float64(dx), 1e-4)
}
