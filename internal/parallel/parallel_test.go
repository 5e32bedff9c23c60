package parallel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRange_CoversEveryIndexOnce(t *testing.T) {
	for _, cfg := range []Config{Default(), Sequential(), {Workers: 3, Grain: 1}, {Workers: 8, Grain: 100}} {
		for _, n := range []int{0, 1, 7, 64, 1000} {
			hits := make([]int32, n)
			cfg.Range(n, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})
			for i, h := range hits {
				assert.Equal(t, int32(1), h, "config %+v, n %d, index %d", cfg, n, i)
			}
		}
	}
}

func TestRange_ChunksRespectWorkersAndGrain(t *testing.T) {
	var (
		mu     sync.Mutex
		chunks [][2]int
	)
	Config{Workers: 4, Grain: 10}.Range(100, func(lo, hi int) {
		mu.Lock()
		chunks = append(chunks, [2]int{lo, hi})
		mu.Unlock()
	})
	assert.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.Equal(t, 25, c[1]-c[0])
	}

	chunks = nil
	Config{Workers: 4, Grain: 64}.Range(100, func(lo, hi int) {
		mu.Lock()
		chunks = append(chunks, [2]int{lo, hi})
		mu.Unlock()
	})
	assert.ElementsMatch(t, [][2]int{{0, 64}, {64, 100}}, chunks)
}

func TestRange_SequentialRunsInline(t *testing.T) {
	calls := 0
	Sequential().Range(1000, func(lo, hi int) {
		calls++
		assert.Equal(t, 0, lo)
		assert.Equal(t, 1000, hi)
	})
	assert.Equal(t, 1, calls)
}

func TestGrid(t *testing.T) {
	batch, channels := 4, 8
	var seen [4][8]atomic.Bool
	Config{Workers: 3, Grain: 1}.Grid(batch, channels, func(b, c int) {
		assert.False(t, seen[b][c].Swap(true), "cell %d,%d visited twice", b, c)
	})
	for b := range batch {
		for c := range channels {
			assert.True(t, seen[b][c].Load(), "cell %d,%d missed", b, c)
		}
	}
}
