// Package layout names every file a scan produces under its root directory.
//
//	<root>/frames/proj<P>/pos<N>/<dir>/b<bit>{n,i}.png   captured exposures
//	<root>/frames/proj<P>/pos<N>/metadata-<dir>.yml     stripe tilt per direction
//	<root>/decoded/proj<P>/pos<N>/result-<dir>.pfm      decoded position maps
//	<root>/refined/proj<P>/pos<N>/result-<dir>.pfm      refined position maps
//	<root>/rectified/proj<P>/pos<L><R>/{left,right}-<dir>.pfm
//	<root>/disparity/proj<P>/pos<L><R>/{rectified,unrectified}/disp<L><R>{x,y}.pfm
//	<root>/merged/proj<P>/pos<L><R>/disp<L><R>{x,y}.pfm
//	<root>/fused/pos<L><R>/disp<L><R>{x,y}.pfm
//	<root>/calibration/intrinsics.yml, extrinsics<L><R>.yml
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"slscan/internal/models"
)

const (
	projectorPrefix = "proj"
	positionPrefix  = "pos"
)

// Layout roots a scan directory.
type Layout struct {
	Root string
}

// New returns the layout of the scan stored under root.
func New(root string) Layout {
	return Layout{Root: root}
}

func viewDir(stage string, root string, v models.ViewKey) string {
	return filepath.Join(root, stage, fmt.Sprintf("%s%d", projectorPrefix, v.Projector), fmt.Sprintf("%s%d", positionPrefix, v.Position))
}

func pairName(left, right int) string {
	return fmt.Sprintf("%s%d%d", positionPrefix, left, right)
}

func pairDir(stage string, root string, k models.PairKey) string {
	return filepath.Join(root, stage, fmt.Sprintf("%s%d", projectorPrefix, k.Projector), pairName(k.Left, k.Right))
}

// FramesDir holds the exposures of one view.
func (l Layout) FramesDir(v models.ViewKey) string { return viewDir("frames", l.Root, v) }

// FramePath names the normal or inverted exposure of bit for direction d.
func (l Layout) FramePath(v models.ViewKey, d models.Direction, bit int, inverted bool) string {
	kind := "n"
	if inverted {
		kind = "i"
	}
	return filepath.Join(l.FramesDir(v), d.String(), fmt.Sprintf("b%d%s.png", bit, kind))
}

// MetadataPath names the capture metadata for direction d of a view.
func (l Layout) MetadataPath(v models.ViewKey, d models.Direction) string {
	return filepath.Join(l.FramesDir(v), "metadata-"+d.String()+".yml")
}

// DecodedDir holds the position maps decoded for one view.
func (l Layout) DecodedDir(v models.ViewKey) string { return viewDir("decoded", l.Root, v) }

// RefinedDir holds the refined position maps of one view.
func (l Layout) RefinedDir(v models.ViewKey) string { return viewDir("refined", l.Root, v) }

// DecodedPath names the decoded map of direction d.
func (l Layout) DecodedPath(v models.ViewKey, d models.Direction) string {
	return filepath.Join(l.DecodedDir(v), "result-"+d.String()+".pfm")
}

// RefinedPath names the refined map of direction d.
func (l Layout) RefinedPath(v models.ViewKey, d models.Direction) string {
	return filepath.Join(l.RefinedDir(v), "result-"+d.String()+".pfm")
}

// RectifiedDir holds both rectified views of a pair.
func (l Layout) RectifiedDir(k models.PairKey) string { return pairDir("rectified", l.Root, k) }

// RectifiedPath names one side of a rectified pair for direction d.
func (l Layout) RectifiedPath(k models.PairKey, side string, d models.Direction) string {
	return filepath.Join(l.RectifiedDir(k), side+"-"+d.String()+".pfm")
}

// DisparityDir holds the disparity of a pair, either in the rectified frame
// or reprojected to original pixels.
func (l Layout) DisparityDir(k models.PairKey, rectified bool) string {
	sub := "unrectified"
	if rectified {
		sub = "rectified"
	}
	return filepath.Join(pairDir("disparity", l.Root, k), sub)
}

// ReprojectedDir is DisparityDir(k, false).
func (l Layout) ReprojectedDir(k models.PairKey) string { return l.DisparityDir(k, false) }

// MergedDir holds the chained disparity from k.Left to k.Right.
func (l Layout) MergedDir(k models.PairKey) string { return pairDir("merged", l.Root, k) }

// FusedDir holds the disparity of a pair fused across projectors.
func (l Layout) FusedDir(left, right int) string {
	return filepath.Join(l.Root, "fused", pairName(left, right))
}

// DisparityPaths names the x and y planes of a disparity stored in dir.
func DisparityPaths(dir string, left, right int) (string, string) {
	base := fmt.Sprintf("disp%d%d", left, right)
	return filepath.Join(dir, base+"x.pfm"), filepath.Join(dir, base+"y.pfm")
}

// IntrinsicsPath names the camera calibration shared by every position.
func (l Layout) IntrinsicsPath() string {
	return filepath.Join(l.Root, "calibration", "intrinsics.yml")
}

// ExtrinsicsPath names the stereo calibration between two positions.
func (l Layout) ExtrinsicsPath(left, right int) string {
	return filepath.Join(l.Root, "calibration", fmt.Sprintf("extrinsics%d%d.yml", left, right))
}

// JobsPath names the job ledger database.
func (l Layout) JobsPath() string { return filepath.Join(l.Root, "jobs.db") }

// PreviewPath names the PNG preview written beside a raster.
func PreviewPath(raster string) string {
	return strings.TrimSuffix(raster, filepath.Ext(raster)) + ".png"
}

// Projectors lists the projectors that have captured frames, in numeric order.
func (l Layout) Projectors() ([]int, error) {
	return numbered(filepath.Join(l.Root, "frames"), projectorPrefix)
}

// DecodedProjectors lists the projectors that have decoded maps.
func (l Layout) DecodedProjectors() ([]int, error) {
	return numbered(filepath.Join(l.Root, "decoded"), projectorPrefix)
}

// FramePositions lists positions with captured frames for projector p.
func (l Layout) FramePositions(p int) ([]int, error) {
	return numbered(filepath.Join(l.Root, "frames", fmt.Sprintf("%s%d", projectorPrefix, p)), positionPrefix)
}

// DecodedPositions lists positions with decoded maps for projector p.
func (l Layout) DecodedPositions(p int) ([]int, error) {
	return numbered(filepath.Join(l.Root, "decoded", fmt.Sprintf("%s%d", projectorPrefix, p)), positionPrefix)
}

// numbered returns the numeric suffixes of the directories in dir named
// prefix<N>, sorted numerically so pos10 follows pos9. A missing dir is
// empty.
func numbered(dir, prefix string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var out []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil || n < 0 {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}
