package httpgroup

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCodec_Float32IsExact(t *testing.T) {
	in := &frame{
		Run: "run-1", Rank: 2, World: 4, Seq: 17, Op: opAllGather, Root: 3,
		Tensors: []*tensor.Tensor{
			must.M1(tensor.FromSlice([]float32{1.5, -2.25, 3e-8, 7}, tensor.Shape{2, 2})),
			must.M1(tensor.FromSlice([]float32{9}, tensor.Shape{1})),
		},
		Error: "none",
	}
	out, err := decodeFrame(encodeFrame(in, Float32))
	require.NoError(t, err)
	assert.Equal(t, in.Run, out.Run)
	assert.Equal(t, in.Rank, out.Rank)
	assert.Equal(t, in.World, out.World)
	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Op, out.Op)
	assert.Equal(t, in.Root, out.Root)
	assert.Equal(t, in.Error, out.Error)
	require.Len(t, out.Tensors, 2)
	for i := range in.Tensors {
		assert.True(t, in.Tensors[i].Equal(out.Tensors[i]))
	}
}

func TestCodec_Float16IsApproximate(t *testing.T) {
	x := must.M1(tensor.FromSlice([]float32{0.1, 1, -3.14159, 1000}, tensor.Shape{4}))
	out, err := decodeFrame(encodeFrame(&frame{Tensors: []*tensor.Tensor{x}}, Float16))
	require.NoError(t, err)
	require.Len(t, out.Tensors, 1)
	assert.True(t, tensor.AllClose(x, out.Tensors[0], 1e-3, 1e-3))
	assert.False(t, x.Equal(out.Tensors[0]))
}

func TestCodec_Truncated(t *testing.T) {
	b := encodeFrame(&frame{Run: "abc", Tensors: []*tensor.Tensor{tensor.Ones(tensor.Shape{3})}}, Float32)
	_, err := decodeFrame(b[:len(b)-3])
	assert.Error(t, err)
}

func TestGroup_Collectives(t *testing.T) {
	const world = 3
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	var mu sync.Mutex
	runs := make(map[string]bool)
	var eg errgroup.Group
	for rank := 0; rank < world; rank++ {
		eg.Go(func() error {
			cfg := Config{Addr: addr, Rank: rank, WorldSize: world, JoinTimeout: 10 * time.Second}
			if rank == 0 {
				cfg.Listener = ln
			}
			g, err := Connect(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()
			mu.Lock()
			runs[g.Run()] = true
			mu.Unlock()

			ctx := context.Background()
			sum, err := g.AllReduceSum(ctx, tensor.Full(tensor.Shape{2}, float32(rank+1)))
			if err != nil {
				return err
			}
			assert.Equal(t, []float32{6, 6}, sum.Data())

			parts, err := g.AllGather(ctx, tensor.Full(tensor.Shape{1}, float32(rank)))
			if err != nil {
				return err
			}
			for j, p := range parts {
				assert.Equal(t, float32(j), p.Data()[0])
			}

			var in *tensor.Tensor
			if rank == 2 {
				in = must.M1(tensor.FromSlice([]float32{4, 5, 6}, tensor.Shape{3}))
			}
			b, err := g.Broadcast(ctx, in, 2)
			if err != nil {
				return err
			}
			assert.Equal(t, []float32{4, 5, 6}, b.Data())
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Len(t, runs, 1, "all ranks share one run id")
}

func TestConnect_WorldSizeMismatch(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rank0 := make(chan error, 1)
	go func() {
		_, err := Connect(ctx, Config{Rank: 0, WorldSize: 2, Listener: ln, JoinTimeout: 5 * time.Second})
		rank0 <- err
	}()

	_, err = Connect(context.Background(), Config{Addr: addr, Rank: 1, WorldSize: 3, JoinTimeout: 5 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world size mismatch")

	cancel()
	assert.Error(t, <-rank0)
}

func TestConnect_BadRank(t *testing.T) {
	_, err := Connect(context.Background(), Config{Rank: 2, WorldSize: 2})
	assert.Error(t, err)
}
