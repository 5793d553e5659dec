package pipeline

import (
	"context"
	"errors"
	"fmt"

	"slscan/internal/fsutil"
	"slscan/internal/models"
	"slscan/internal/monitoring"
	"slscan/pkg/decode"
	"slscan/pkg/refine"
)

// ViewReport summarises one decode or refine unit.
type ViewReport struct {
	View    models.ViewKey
	Decoded map[models.Direction]decode.BuildStats
	Refined map[models.Direction]refine.Stats
	Skipped map[models.Direction]error
}

func newViewReport(v models.ViewKey) *ViewReport {
	return &ViewReport{
		View:    v,
		Decoded: make(map[models.Direction]decode.BuildStats),
		Refined: make(map[models.Direction]refine.Stats),
		Skipped: make(map[models.Direction]error),
	}
}

// DecodeView decodes every captured direction of view v into a position map.
// A direction with missing frames is skipped; the call fails only when no
// direction could be decoded.
func (r *Runner) DecodeView(ctx context.Context, v models.ViewKey) (*ViewReport, error) {
	if r.table == nil {
		return nil, fmt.Errorf("decode %v: no code table configured", v)
	}
	rep := newViewReport(v)
	for _, dir := range models.Directions {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		stats, err := r.decodeDirection(v, dir)
		if err != nil {
			monitoring.Logf("decode proj%d/pos%d %v: skipped: %v", v.Projector, v.Position, dir, err)
			rep.Skipped[dir] = err
			continue
		}
		monitoring.Logf("decode proj%d/pos%d %v: %d valid, %d unknown, %d miss",
			v.Projector, v.Position, dir, stats.Valid, stats.Unknown, stats.Miss)
		rep.Decoded[dir] = stats
	}
	if len(rep.Decoded) == 0 {
		return rep, fmt.Errorf("decode proj%d/pos%d: no direction decoded: %w", v.Projector, v.Position, ErrMissingInput)
	}
	return rep, nil
}

func (r *Runner) decodeDirection(v models.ViewKey, dir models.Direction) (decode.BuildStats, error) {
	opts := r.params.Classify
	if opts.Oriented {
		tilt, err := refine.LoadMetadata(r.layout.MetadataPath(v, dir))
		if err != nil {
			monitoring.Logf("decode proj%d/pos%d %v: axis-aligned thresholds: %v", v.Projector, v.Position, dir, err)
			opts.Oriented = false
		} else {
			opts.Angle = refine.StripeAngle(dir, tilt)
		}
	}

	// every exposure must be present before any is classified
	for bit := 0; bit < r.table.Bits(); bit++ {
		for _, inverted := range []bool{false, true} {
			if path := r.layout.FramePath(v, dir, bit, inverted); !fsutil.Exists(path) {
				return decode.BuildStats{}, fmt.Errorf("%w: frame %s", ErrMissingInput, path)
			}
		}
	}

	var sess *decode.Session
	for bit := 0; bit < r.table.Bits(); bit++ {
		normal, err := r.loadFrame(v, dir, bit, false)
		if err != nil {
			return decode.BuildStats{}, err
		}
		inverted, err := r.loadFrame(v, dir, bit, true)
		if err != nil {
			return decode.BuildStats{}, err
		}
		if sess == nil {
			sess = decode.NewSession(normal.Width, normal.Height)
		}
		if _, err := sess.Classify(normal, inverted, bit, opts); err != nil {
			return decode.BuildStats{}, err
		}
	}
	if sess == nil {
		return decode.BuildStats{}, fmt.Errorf("code table has no bit planes")
	}

	m, stats, err := sess.Build(r.table, r.params.Workers)
	if err != nil {
		return stats, err
	}
	if err := r.writePositionMap(r.layout.DecodedPath(v, dir), m); err != nil {
		return stats, err
	}
	return stats, nil
}

func (r *Runner) loadFrame(v models.ViewKey, dir models.Direction, bit int, inverted bool) (*decode.Plane, error) {
	p, err := decode.LoadFrame(r.layout.FramePath(v, dir, bit, inverted))
	return p, missing(err)
}

// RefineView refines the decoded maps of view v. Directions without decoded
// maps or usable metadata are skipped.
func (r *Runner) RefineView(ctx context.Context, v models.ViewKey) (*ViewReport, error) {
	rep := newViewReport(v)
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	maps := make(map[models.Direction]*models.PositionMap)
	for _, dir := range models.Directions {
		m, err := r.readPositionMap(r.layout.DecodedPath(v, dir))
		if err != nil {
			rep.Skipped[dir] = err
			continue
		}
		maps[dir] = m
	}
	if len(maps) == 0 {
		return rep, fmt.Errorf("refine proj%d/pos%d: no decoded maps: %w", v.Projector, v.Position, ErrMissingInput)
	}

	res := refine.Directions(maps, func(dir models.Direction) string {
		return r.layout.MetadataPath(v, dir)
	}, r.params.Refine)
	for dir, err := range res.Skipped {
		rep.Skipped[dir] = err
	}

	var errs []error
	for dir, m := range res.Refined {
		if err := r.writePositionMap(r.layout.RefinedPath(v, dir), m); err != nil {
			errs = append(errs, err)
			continue
		}
		st := res.Stats[dir]
		rep.Refined[dir] = st
		monitoring.Logf("refine proj%d/pos%d %v: %d corrected, %d filled in %d passes",
			v.Projector, v.Position, dir, st.Corrected, st.Filled, st.Passes)
	}
	return rep, errors.Join(errs...)
}

// inputMap returns the map the stereo stages consume for a view and
// direction: the refined map when refinement is enabled and produced one,
// the decoded map otherwise.
func (r *Runner) inputMap(v models.ViewKey, dir models.Direction) (*models.PositionMap, error) {
	if r.params.RefineEnabled {
		m, err := r.readPositionMap(r.layout.RefinedPath(v, dir))
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrMissingInput) {
			return nil, err
		}
	}
	return r.readPositionMap(r.layout.DecodedPath(v, dir))
}
