// Package workers partitions raster work across goroutines by row range.
package workers

import (
	"runtime"
	"sync"
)

// Rows splits [0, height) into contiguous row ranges and runs fn on each
// range in its own goroutine. fn must only write to rows it was given.
func Rows(height, workers int, fn func(y0, y1 int)) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > height {
		workers = height
	}
	if workers <= 1 {
		if height > 0 {
			fn(0, height)
		}
		return
	}

	rowsPerWorker := (height + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		y0 := w * rowsPerWorker
		y1 := y0 + rowsPerWorker
		if y1 > height {
			y1 = height
		}
		if y0 >= y1 {
			continue
		}
		wg.Add(1)
		go func(y0, y1 int) {
			defer wg.Done()
			fn(y0, y1)
		}(y0, y1)
	}
	wg.Wait()
}
