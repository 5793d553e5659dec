package pipeline

import (
	"context"
	"fmt"

	"slscan/internal/models"
	"slscan/internal/monitoring"
	"slscan/pkg/stereo"
)

// stage produces the artifacts of one job state and returns a summary for
// the ledger.
type stage func(r *Runner, pair models.PairKey) (string, error)

var stages = map[models.State]stage{
	models.Rectified:         (*Runner).rectifyStage,
	models.DisparityComputed: (*Runner).disparityStage,
	models.Merged:            (*Runner).mergeStage,
	models.Reprojected:       (*Runner).reprojectStage,
}

// RunPair runs every stereo stage of pair as a new job. The first failing
// stage moves the job to Failed and its error is returned; nothing is
// retried.
func (r *Runner) RunPair(ctx context.Context, pair models.PairKey) (models.State, error) {
	if err := ctx.Err(); err != nil {
		return models.Pending, err
	}
	job, err := r.ledger.Create(pair)
	if err != nil {
		return models.Pending, err
	}

	for _, next := range models.Stages[1:] {
		if err := r.runStage(job.ID, pair, next); err != nil {
			return models.Failed, err
		}
	}
	return models.Reprojected, nil
}

// RunStage re-runs the single stage that produces state for the latest job
// of pair. The job must already have completed the stage before it; a
// failed job counts the stages it completed before failing.
func (r *Runner) RunStage(ctx context.Context, pair models.PairKey, state models.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	before, ok := state.Before()
	if !ok || stages[state] == nil {
		return fmt.Errorf("%s is not a runnable stage", state)
	}

	job, err := r.ledger.Latest(pair)
	if err != nil {
		return err
	}
	progress := job.State
	if job.State == models.Failed {
		if progress, err = r.ledger.Progress(job.ID); err != nil {
			return err
		}
	}
	if !progress.Reached(before) {
		return fmt.Errorf("job %s for %s reached %s; stage %s needs %s first", job.ID, pair, progress, state, before)
	}
	if job.State != before {
		if err := r.ledger.Transition(job.ID, before, "rerun "+string(state)); err != nil {
			return err
		}
	}
	return r.runStage(job.ID, pair, state)
}

func (r *Runner) runStage(id string, pair models.PairKey, state models.State) error {
	detail, err := stages[state](r, pair)
	if err != nil {
		err = fmt.Errorf("%s %s: %w", pair, state, err)
		monitoring.Logf("job %s failed: %v", id, err)
		if ferr := r.ledger.Fail(id, err); ferr != nil {
			monitoring.Logf("job %s: recording failure: %v", id, ferr)
		}
		return err
	}
	monitoring.Logf("job %s %s: %s", id, state, detail)
	return r.ledger.Transition(id, state, detail)
}

func views(pair models.PairKey) (models.ViewKey, models.ViewKey) {
	return models.ViewKey{Projector: pair.Projector, Position: pair.Left},
		models.ViewKey{Projector: pair.Projector, Position: pair.Right}
}

func (r *Runner) rectification(pair models.PairKey) (*stereo.Rectification, error) {
	in, err := stereo.LoadIntrinsics(r.layout.IntrinsicsPath())
	if err != nil {
		return nil, err
	}
	ex, err := stereo.LoadExtrinsics(r.layout.ExtrinsicsPath(pair.Left, pair.Right))
	if err != nil {
		return nil, err
	}
	// every position is the same camera moved by the robot
	return stereo.NewRectification(in, in, ex)
}

func (r *Runner) rectifyStage(pair models.PairKey) (string, error) {
	rect, err := r.rectification(pair)
	if err != nil {
		return "", err
	}
	lv, rv := views(pair)

	n := 0
	for _, dir := range models.Directions {
		left, lerr := r.inputMap(lv, dir)
		right, rerr := r.inputMap(rv, dir)
		if lerr != nil || rerr != nil {
			monitoring.Logf("rectify %s %v: skipped: %v", pair, dir, firstErr(lerr, rerr))
			continue
		}
		for _, side := range []struct {
			s stereo.Side
			m *models.PositionMap
		}{{stereo.Left, left}, {stereo.Right, right}} {
			out, err := rect.Rectify(side.m, side.s, r.params.Workers)
			if err != nil {
				return "", err
			}
			if err := r.writePositionMap(r.layout.RectifiedPath(pair, side.s.String(), dir), out); err != nil {
				return "", err
			}
		}
		n++
	}
	if n == 0 {
		return "", fmt.Errorf("no direction decoded in both views: %w", ErrMissingInput)
	}
	return fmt.Sprintf("%d directions rectified", n), nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// rectifiedMaps loads the directions rectified for both sides of pair, in
// the same order on each side.
func (r *Runner) rectifiedMaps(pair models.PairKey) ([]*models.PositionMap, []*models.PositionMap, error) {
	var left, right []*models.PositionMap
	for _, dir := range models.Directions {
		l, lerr := r.readPositionMap(r.layout.RectifiedPath(pair, stereo.Left.String(), dir))
		rt, rerr := r.readPositionMap(r.layout.RectifiedPath(pair, stereo.Right.String(), dir))
		if lerr != nil || rerr != nil {
			continue
		}
		left = append(left, l)
		right = append(right, rt)
	}
	if len(left) == 0 {
		return nil, nil, fmt.Errorf("no rectified maps for %s: %w", pair, ErrMissingInput)
	}
	return left, right, nil
}

func (r *Runner) disparityStage(pair models.PairKey) (string, error) {
	left, right, err := r.rectifiedMaps(pair)
	if err != nil {
		return "", err
	}
	fwd, err := stereo.Disparity(left, right, r.params.Disparity)
	if err != nil {
		return "", err
	}
	back, err := stereo.Disparity(right, left, r.params.Disparity)
	if err != nil {
		return "", err
	}

	dir := r.layout.DisparityDir(pair, true)
	if err := r.writeDisparity(dir, pair.Left, pair.Right, fwd); err != nil {
		return "", err
	}
	if err := r.writeDisparity(dir, pair.Right, pair.Left, back); err != nil {
		return "", err
	}
	s := stereo.Summarize(fwd)
	return fmt.Sprintf("%d matches (%.1f%%), mean dx %.2f", s.Valid, 100*s.Coverage, s.MeanDX), nil
}

func (r *Runner) mergeStage(pair models.PairKey) (string, error) {
	dir := r.layout.DisparityDir(pair, true)
	fwd, err := r.readDisparity(dir, pair.Left, pair.Right)
	if err != nil {
		return "", err
	}
	back, err := r.readDisparity(dir, pair.Right, pair.Left)
	if err != nil {
		return "", err
	}

	merged, stats, err := stereo.Merge([]*models.DisparityMap{fwd}, []*models.DisparityMap{back}, r.params.Merge)
	if err != nil {
		return "", err
	}
	if err := r.writeDisparity(r.layout.MergedDir(pair), pair.Left, pair.Right, merged); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d consistent, %d broken, %d inconsistent", stats.Valid, stats.Broken, stats.Inconsistent), nil
}

func (r *Runner) reprojectStage(pair models.PairKey) (string, error) {
	rect, err := r.rectification(pair)
	if err != nil {
		return "", err
	}
	merged, err := r.readDisparity(r.layout.MergedDir(pair), pair.Left, pair.Right)
	if err != nil {
		return "", err
	}

	corr, fwd, err := stereo.Reproject(rect, merged, r.params.Workers)
	if err != nil {
		return "", err
	}
	back := stereo.Backward(corr, merged.Width, merged.Height)

	dir := r.layout.ReprojectedDir(pair)
	if err := r.writeDisparity(dir, pair.Left, pair.Right, fwd); err != nil {
		return "", err
	}
	if err := r.writeDisparity(dir, pair.Right, pair.Left, back); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d correspondences", len(corr)), nil
}
