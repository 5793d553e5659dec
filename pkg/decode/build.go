package decode

import (
	"fmt"
	"sync/atomic"

	"slscan/internal/models"
	"slscan/internal/workers"
	"slscan/pkg/codes"
)

// BuildStats counts the outcome of decoding every pixel of a capture.
// Unknown and Miss pixels are expected and not errors.
type BuildStats struct {
	Valid   int
	Unknown int // at least one bit plane was unknown
	Miss    int // code word not in the table
}

// Total returns the number of pixels considered.
func (s BuildStats) Total() int { return s.Valid + s.Unknown + s.Miss }

// BuildPositionMap decodes each pixel's code word with table. A pixel whose
// unknown mask is non-zero is invalid regardless of its code word.
func BuildPositionMap(codeWords, unknownMasks []uint32, table codes.Table, width, height int) (*models.PositionMap, BuildStats, error) {
	return BuildPositionMapWorkers(codeWords, unknownMasks, table, width, height, 0)
}

// BuildPositionMapWorkers is BuildPositionMap with an explicit worker bound.
func BuildPositionMapWorkers(codeWords, unknownMasks []uint32, table codes.Table, width, height, nworkers int) (*models.PositionMap, BuildStats, error) {
	n := width * height
	if len(codeWords) != n || len(unknownMasks) != n {
		return nil, BuildStats{}, fmt.Errorf("%w: %d code words and %d masks for %dx%d", ErrDimensionMismatch,
			len(codeWords), len(unknownMasks), width, height)
	}

	m := models.NewPositionMap(width, height)
	var valid, unknown, miss int64

	workers.Rows(height, nworkers, func(y0, y1 int) {
		var v, u, ms int64
		for i := y0 * width; i < y1*width; i++ {
			if unknownMasks[i] != 0 {
				u++
				continue
			}
			pos, ok := table.Decode(codeWords[i])
			if !ok {
				ms++
				continue
			}
			m.Data[i] = float32(pos)
			v++
		}
		atomic.AddInt64(&valid, v)
		atomic.AddInt64(&unknown, u)
		atomic.AddInt64(&miss, ms)
	})

	return m, BuildStats{Valid: int(valid), Unknown: int(unknown), Miss: int(miss)}, nil
}
