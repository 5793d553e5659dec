package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"slscan/internal/models"
	"slscan/internal/monitoring"
	"slscan/pkg/stereo"
)

// Report collects the outcome of a batch. Failures of one unit never stop
// its siblings; they are recorded here instead.
type Report struct {
	mu        sync.Mutex
	Completed []string
	Failed    map[string]error
	Skipped   []string // units not started because the batch was cancelled
}

func newReport() *Report {
	return &Report{Failed: make(map[string]error)}
}

func (rep *Report) record(unit string, err error) {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	switch {
	case err == nil:
		rep.Completed = append(rep.Completed, unit)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		rep.Skipped = append(rep.Skipped, unit)
	default:
		rep.Failed[unit] = err
	}
}

// Err summarises failed units, or returns nil when every started unit
// succeeded.
func (rep *Report) Err() error {
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.Failed) == 0 {
		return nil
	}
	units := make([]string, 0, len(rep.Failed))
	for u := range rep.Failed {
		units = append(units, u)
	}
	sort.Strings(units)
	errs := make([]error, 0, len(units))
	for _, u := range units {
		errs = append(errs, fmt.Errorf("%s: %w", u, rep.Failed[u]))
	}
	return errors.Join(errs...)
}

// each runs fn for every unit on at most Workers goroutines. Cancellation is
// checked before a unit starts; a started unit runs to completion.
func (r *Runner) each(ctx context.Context, units []string, fn func(i int) error) *Report {
	rep := newReport()
	var g errgroup.Group
	g.SetLimit(r.params.Workers)
	for i, unit := range units {
		i, unit := i, unit
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				rep.record(unit, err)
				return nil
			}
			rep.record(unit, fn(i))
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Views lists every captured view, projector by projector.
func (r *Runner) Views() ([]models.ViewKey, error) {
	projectors, err := r.layout.Projectors()
	if err != nil {
		return nil, err
	}
	var out []models.ViewKey
	for _, p := range projectors {
		positions, err := r.layout.FramePositions(p)
		if err != nil {
			return nil, err
		}
		for _, n := range positions {
			out = append(out, models.ViewKey{Projector: p, Position: n})
		}
	}
	return out, nil
}

// Pairs lists the adjacent decoded position pairs of every projector.
func (r *Runner) Pairs() ([]models.PairKey, error) {
	projectors, err := r.layout.DecodedProjectors()
	if err != nil {
		return nil, err
	}
	var out []models.PairKey
	for _, p := range projectors {
		positions, err := r.layout.DecodedPositions(p)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Pairs(p, positions)...)
	}
	return out, nil
}

// decodedViews lists every view with decoded maps.
func (r *Runner) decodedViews() ([]models.ViewKey, error) {
	projectors, err := r.layout.DecodedProjectors()
	if err != nil {
		return nil, err
	}
	var out []models.ViewKey
	for _, p := range projectors {
		positions, err := r.layout.DecodedPositions(p)
		if err != nil {
			return nil, err
		}
		for _, n := range positions {
			out = append(out, models.ViewKey{Projector: p, Position: n})
		}
	}
	return out, nil
}

func viewName(v models.ViewKey) string {
	return fmt.Sprintf("proj%d/pos%d", v.Projector, v.Position)
}

// DecodeAll decodes every captured view.
func (r *Runner) DecodeAll(ctx context.Context) (*Report, error) {
	views, err := r.Views()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = viewName(v)
	}
	return r.each(ctx, names, func(i int) error {
		_, err := r.DecodeView(ctx, views[i])
		return err
	}), nil
}

// RefineAll refines every decoded view.
func (r *Runner) RefineAll(ctx context.Context) (*Report, error) {
	views, err := r.decodedViews()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(views))
	for i, v := range views {
		names[i] = viewName(v)
	}
	return r.each(ctx, names, func(i int) error {
		_, err := r.RefineView(ctx, views[i])
		return err
	}), nil
}

// RunAll runs every adjacent pair as an independent job, then chains and
// fuses what succeeded.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	pairs, err := r.Pairs()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.String()
	}
	rep := r.each(ctx, names, func(i int) error {
		_, err := r.RunPair(ctx, pairs[i])
		return err
	})
	if ctx.Err() != nil {
		return rep, nil
	}

	for _, p := range chains(pairs) {
		rep.record("chain "+p.String(), r.Chain(p))
	}
	for _, k := range fusable(pairs) {
		rep.record(fmt.Sprintf("fuse pos%d%d", k[0], k[1]), r.Fuse(k[0], k[1]))
	}
	return rep, nil
}

// StageAll re-runs the stage producing state for every adjacent pair.
func (r *Runner) StageAll(ctx context.Context, state models.State) (*Report, error) {
	pairs, err := r.Pairs()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = p.String()
	}
	return r.each(ctx, names, func(i int) error {
		return r.RunStage(ctx, pairs[i], state)
	}), nil
}

// chains returns, per projector, the span from its first to its last
// position when it covers more than one pair.
func chains(pairs []models.PairKey) []models.PairKey {
	span := make(map[int]models.PairKey)
	count := make(map[int]int)
	var order []int
	for _, p := range pairs {
		s, ok := span[p.Projector]
		if !ok {
			order = append(order, p.Projector)
			s = p
		}
		s.Right = p.Right
		span[p.Projector] = s
		count[p.Projector]++
	}
	var out []models.PairKey
	for _, proj := range order {
		if count[proj] > 1 {
			out = append(out, span[proj])
		}
	}
	return out
}

// fusable returns the position pairs seen by more than one projector.
func fusable(pairs []models.PairKey) [][2]int {
	count := make(map[[2]int]int)
	var order [][2]int
	for _, p := range pairs {
		k := [2]int{p.Left, p.Right}
		if count[k] == 0 {
			order = append(order, k)
		}
		count[k]++
	}
	var out [][2]int
	for _, k := range order {
		if count[k] > 1 {
			out = append(out, k)
		}
	}
	return out
}

// Chain merges the reprojected disparities of the adjacent pairs between
// span.Left and span.Right into one long-baseline disparity.
func (r *Runner) Chain(span models.PairKey) error {
	positions, err := r.layout.DecodedPositions(span.Projector)
	if err != nil {
		return err
	}
	var fwd, back []*models.DisparityMap
	for _, p := range models.Pairs(span.Projector, positions) {
		if p.Left < span.Left || p.Right > span.Right {
			continue
		}
		dir := r.layout.ReprojectedDir(p)
		f, err := r.readDisparity(dir, p.Left, p.Right)
		if err != nil {
			return err
		}
		b, err := r.readDisparity(dir, p.Right, p.Left)
		if err != nil {
			return err
		}
		fwd = append(fwd, f)
		back = append(back, b)
	}
	if len(fwd) == 0 {
		return fmt.Errorf("chain %s: no pairs: %w", span, ErrMissingInput)
	}

	merged, stats, err := stereo.Merge(fwd, back, r.params.Merge)
	if err != nil {
		return err
	}
	monitoring.Logf("chain %s: %d consistent, %d broken, %d inconsistent", span, stats.Valid, stats.Broken, stats.Inconsistent)
	return r.writeDisparity(r.layout.MergedDir(span), span.Left, span.Right, merged)
}

// Fuse combines the reprojected disparity of positions left and right
// across every projector that produced one.
func (r *Runner) Fuse(left, right int) error {
	projectors, err := r.layout.DecodedProjectors()
	if err != nil {
		return err
	}
	var maps []*models.DisparityMap
	for _, p := range projectors {
		k := models.PairKey{Projector: p, Left: left, Right: right}
		d, err := r.readDisparity(r.layout.ReprojectedDir(k), left, right)
		if errors.Is(err, ErrMissingInput) {
			continue
		}
		if err != nil {
			return err
		}
		maps = append(maps, d)
	}
	if len(maps) == 0 {
		return fmt.Errorf("fuse pos%d%d: no reprojected disparities: %w", left, right, ErrMissingInput)
	}

	fused, err := stereo.Fuse(maps, r.params.Fuse)
	if err != nil {
		return err
	}
	s := stereo.Summarize(fused)
	monitoring.Logf("fuse pos%d%d: %d projectors, %d pixels kept", left, right, len(maps), s.Valid)
	return r.writeDisparity(r.layout.FusedDir(left, right), left, right, fused)
}
