package workers

import (
	"sync/atomic"
	"testing"
)

func TestRowsCoversEveryRowOnce(t *testing.T) {
	for _, tc := range []struct{ height, workers int }{
		{0, 4}, {1, 4}, {7, 3}, {64, 8}, {5, 0}, {10, 1},
	} {
		hits := make([]int32, tc.height)
		Rows(tc.height, tc.workers, func(y0, y1 int) {
			for y := y0; y < y1; y++ {
				atomic.AddInt32(&hits[y], 1)
			}
		})
		for y, n := range hits {
			if n != 1 {
				t.Errorf("height=%d workers=%d: row %d visited %d times", tc.height, tc.workers, y, n)
			}
		}
	}
}
