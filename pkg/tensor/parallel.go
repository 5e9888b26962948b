package tensor

import (
	"runtime"
	"sync"
)

// MaxThreads limits the number of goroutines used by ParallelFor.
// Zero means runtime.NumCPU().
var MaxThreads = 0

// ParallelFor runs fn(0) .. fn(n-1), spread over up to MaxThreads goroutines.
// Each worker is given a contiguous range, and a worker index in [0, nWorkers),
// which callers use to pick a per-worker scratch buffer.
func ParallelFor(n int, fn func(worker, i int)) {
	nThreads := NumWorkers(n)
	if nThreads <= 1 {
		for i := 0; i < n; i++ {
			fn(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	per := (n + nThreads - 1) / nThreads
	for w := 0; w < nThreads; w++ {
		start := w * per
		end := min(n, start+per)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(worker, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(worker, i)
			}
		}(w, start, end)
	}
	wg.Wait()
}

// NumWorkers returns the number of workers that ParallelFor will use for n jobs
func NumWorkers(n int) int {
	nThreads := MaxThreads
	if nThreads <= 0 {
		nThreads = runtime.NumCPU()
	}
	return max(1, min(n, nThreads))
}
