// Package parallel fans the loops of tensor kernels out over goroutines.
//
// This is orthogonal to tensor parallelism: a shard's matmul may itself split
// its rows across the cores of the shard's device. Each device carries its
// own Config, so shards sharing a host do not oversubscribe it.
package parallel

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultGrain is the smallest chunk worth a goroutine.
const DefaultGrain = 64

// Config is the loop parallelism of one device.
type Config struct {
	// Workers is the largest number of concurrent chunks. One or fewer runs
	// loops on the calling goroutine.
	Workers int
	// Grain is the minimum number of iterations per chunk.
	Grain int
}

// Default uses every core of the host.
func Default() Config {
	return Config{Workers: runtime.NumCPU(), Grain: DefaultGrain}
}

// Sequential never spawns goroutines.
func Sequential() Config {
	return Config{Workers: 1}
}

// chunk returns the chunk length for n iterations, 0 when the loop should
// run inline.
func (c Config) chunk(n int) int {
	if c.Workers <= 1 || n < max(c.Grain, 2) {
		return 0
	}
	return max((n+c.Workers-1)/c.Workers, c.Grain, 1)
}

// Range calls fn on disjoint chunks [lo, hi) covering [0, n), possibly
// concurrently, and returns once every chunk is done.
func (c Config) Range(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	size := c.chunk(n)
	if size == 0 {
		fn(0, n)
		return
	}
	var g errgroup.Group
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// Grid calls fn(r, col) for every cell of a rows x cols grid, such as the
// (batch, channel) planes of a convolution.
func (c Config) Grid(rows, cols int, fn func(r, col int)) {
	if cols <= 0 {
		return
	}
	c.Range(rows*cols, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			fn(k/cols, k%cols)
		}
	})
}
