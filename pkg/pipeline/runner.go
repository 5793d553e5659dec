// Package pipeline drives a scan directory through decoding, refinement and
// the per-pair stereo stages, recording every pair job in a ledger.
//
// The processing consists of several steps:
//  1. Decode each view's exposure pairs into position maps
//  2. Refine the decoded maps using the capture metadata
//  3. For each adjacent pair of positions: rectify, compute disparity,
//     merge the two directions of the pair and reproject to original pixels
//  4. Chain adjacent pairs into long-baseline disparities and fuse pairs
//     seen by several projectors
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"

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
	"slscan/pkg/visualization"
)

// ErrMissingInput marks a raster, frame or metadata file that a unit of work
// needs but cannot read. The unit is skipped and its siblings continue.
var ErrMissingInput = errors.New("missing input")

// Ledger records pair jobs and their transitions.
type Ledger interface {
	Create(pair models.PairKey) (*jobstore.Job, error)
	Transition(id string, to models.State, detail string) error
	Fail(id string, cause error) error
	Latest(pair models.PairKey) (*jobstore.Job, error)
	Progress(id string) (models.State, error)
}

// Params holds the settings every stage reads.
type Params struct {
	Classify  decode.ClassifyOptions
	Refine    refine.Options
	Disparity stereo.DisparityOptions
	Merge     stereo.MergeOptions
	Fuse      stereo.FuseOptions

	// RefineEnabled makes the stereo stages prefer refined maps.
	RefineEnabled bool

	// Workers bounds concurrent jobs and the goroutines of each raster stage.
	Workers int

	// Previews writes a PNG beside every raster.
	Previews bool
}

// ParamsFromConfig converts a loaded configuration into stage settings.
func ParamsFromConfig(cfg *config.Config) Params {
	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Params{
		Classify: decode.ClassifyOptions{
			Threshold: cfg.Decode.Threshold,
			Oriented:  cfg.Decode.Oriented,
			Workers:   workers,
		},
		Refine: refine.Options{
			Radius:    cfg.Refine.Radius,
			Tolerance: cfg.Refine.Tolerance,
			MaxPasses: cfg.Refine.MaxPasses,
			Workers:   workers,
		},
		Disparity: stereo.DisparityOptions{
			RowSlack:  cfg.Stereo.RowSlack,
			Tolerance: cfg.Stereo.DisparityTolerance,
			Workers:   workers,
		},
		Merge: stereo.MergeOptions{
			Tolerance: cfg.Stereo.MergeTolerance,
			Workers:   workers,
		},
		Fuse: stereo.FuseOptions{
			Tolerance: cfg.Stereo.FuseTolerance,
			MinAgree:  cfg.Stereo.MinAgree,
			Workers:   workers,
		},
		RefineEnabled: cfg.Refine.Enabled,
		Workers:       workers,
		Previews:      cfg.Pipeline.Previews,
	}
}

// Runner executes stages against one scan directory.
type Runner struct {
	params Params
	layout layout.Layout
	table  codes.Table
	ledger Ledger
	viewer *visualization.Viewer
}

// NewRunner creates a runner. table decodes captured frames and may be nil
// when only stereo stages are run.
func NewRunner(root string, table codes.Table, ledger Ledger, params Params) *Runner {
	if params.Workers <= 0 {
		params.Workers = runtime.NumCPU()
	}
	return &Runner{
		params: params,
		layout: layout.New(root),
		table:  table,
		ledger: ledger,
		viewer: visualization.NewViewer(),
	}
}

// Layout returns the directory contract the runner reads and writes.
func (r *Runner) Layout() layout.Layout { return r.layout }

// missing wraps a not-exist error with ErrMissingInput.
func missing(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	return err
}

func (r *Runner) readPositionMap(path string) (*models.PositionMap, error) {
	m, err := pfm.ReadPositionMap(path)
	return m, missing(err)
}

func (r *Runner) readDisparity(dir string, left, right int) (*models.DisparityMap, error) {
	xPath, yPath := layout.DisparityPaths(dir, left, right)
	d, err := pfm.ReadDisparity(xPath, yPath)
	return d, missing(err)
}

func (r *Runner) writePositionMap(path string, m *models.PositionMap) error {
	if err := pfm.WritePositionMap(path, m); err != nil {
		return err
	}
	if r.params.Previews {
		if err := visualization.SavePreview(r.viewer.RenderPositionMap(m), layout.PreviewPath(path)); err != nil {
			monitoring.Logf("preview %s: %v", path, err)
		}
	}
	return nil
}

func (r *Runner) writeDisparity(dir string, left, right int, d *models.DisparityMap) error {
	xPath, yPath := layout.DisparityPaths(dir, left, right)
	if err := pfm.WriteDisparity(xPath, yPath, d); err != nil {
		return err
	}
	if r.params.Previews {
		if err := visualization.SavePreview(r.viewer.RenderDisparity(d), layout.PreviewPath(xPath)); err != nil {
			monitoring.Logf("preview %s: %v", xPath, err)
		}
	}
	return nil
}
