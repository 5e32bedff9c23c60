package tp_test

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/internal/modelspec"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/optim"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/tp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tol = 1e-4

func feedForward(seed int64) *nn.Sequential {
	rng := rand.New(rand.NewSource(seed))
	return nn.NewSequential(
		nn.NewLinear(64, 128, true, rng),
		nn.NewReLU(),
		nn.NewLinear(128, 10, true, rng),
	)
}

func devices(n int) device.List {
	return must.M1(device.Probe(device.ProbeOptions{Count: n, Cores: n}))
}

func wrap(t *testing.T, module nn.Module, opts ...tp.Option) tp.Module {
	t.Helper()
	m, err := tp.TensorParallel(module, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestFeedForwardScenario(t *testing.T) {
	ctx := context.Background()
	model := feedForward(1)
	rng := rand.New(rand.NewSource(2))
	x := tensor.Randn(tensor.Shape{8, 64}, rng)
	want := model.Forward(x)

	for _, policy := range []slicing.SplitPolicy{tp.Contiguous, tp.Strided} {
		t.Run(policy.String(), func(t *testing.T) {
			m := wrap(t, model, tp.WithDevices(devices(2)), tp.WithSharded(false), tp.WithSplitPolicy(policy))
			pm, ok := m.(*tp.ParallelModule)
			require.True(t, ok, "plain modules are not adapted")
			assert.Nil(t, pm.Overlay())

			for _, s := range pm.Shards() {
				assert.Equal(t, tensor.Shape{64, 64}, s.Param("0.weight").Shape())
				assert.Equal(t, tensor.Shape{10, 64}, s.Param("2.weight").Shape())
			}
			parts := []*tensor.Tensor{pm.Shards()[0].Param("0.weight").Tensor(), pm.Shards()[1].Param("0.weight").Tensor()}
			assert.True(t, policy.Cat(parts, 0).Equal(model.Module(0).(*nn.Linear).Weight().Tensor()), "split then concat is exact")

			got, err := m.Forward(ctx, x)
			require.NoError(t, err)
			require.Equal(t, tensor.Shape{8, 10}, got.Shape())
			assert.True(t, tensor.AllClose(want, got, tol, tol), "max diff %g", tensor.MaxAbsDiff(want, got))
		})
	}
}

func TestSinglePartIsBitIdentical(t *testing.T) {
	model := feedForward(3)
	x := tensor.Randn(tensor.Shape{4, 64}, rand.New(rand.NewSource(4)))
	want := model.Forward(x)
	m := wrap(t, model, tp.WithDevices(devices(1)))
	got, err := m.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
}

func TestIndivisibleSplit(t *testing.T) {
	model := feedForward(5)

	_, err := tp.TensorParallel(model, tp.WithDevices(devices(3)))
	assert.True(t, tp.IsConfig(err), "inferred configs check divisibility: %v", err)
	var inferred *tp.ShapeError
	require.True(t, errors.As(err, &inferred), "got %v", err)
	assert.Equal(t, "0.weight", inferred.Name)
	assert.Equal(t, 3, inferred.NumParts)
	assert.True(t, tp.IsShape(err))

	var progressed bool
	cfg := &tp.Config{
		NumParts: 3,
		Rules: []tp.Rule{{
			Pattern:  "0",
			Params:   map[string]tp.Action{"weight": tp.Split(0), "bias": tp.Split(0)},
			Produces: slicing.Sharded(-1),
		}, {
			Pattern:  "2",
			Input:    slicing.Gather(),
			Consumes: slicing.Full(),
			Produces: slicing.Full(),
		}},
	}
	_, err = tp.TensorParallel(model, tp.WithConfig(cfg), tp.WithSharded(false),
		tp.WithProgress(func(int, int) { progressed = true }))
	var se *tp.ShapeError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "0.weight", se.Name)
	assert.Equal(t, 3, se.NumParts)
	assert.False(t, progressed)
}

func TestProcessModeWithTwoDevices(t *testing.T) {
	groups := comm.NewMemoryGroups(2)
	defer func() {
		for _, g := range groups {
			_ = g.Close()
		}
	}()
	_, err := tp.TensorParallel(feedForward(1), tp.WithProcessGroup(groups[0]), tp.WithDevices(devices(2)))
	assert.True(t, tp.IsConfig(err), "got %v", err)

	_, err = tp.TensorParallel(feedForward(1), tp.WithDistributed(true))
	assert.True(t, tp.IsConfig(err), "process mode without a group: %v", err)
}

func TestOverlayWithProcessMode(t *testing.T) {
	groups := comm.NewMemoryGroups(2)
	defer func() {
		for _, g := range groups {
			_ = g.Close()
		}
	}()
	// The explicit config cannot be built for 2 parts either; the mode
	// conflict is reported first.
	cfg := &tp.Config{
		NumParts: 2,
		Rules:    []tp.Rule{{Pattern: "0", Params: map[string]tp.Action{"weight": tp.Split(7)}}},
	}
	for name, opt := range map[string]tp.Option{
		"sharded": tp.WithSharded(true),
		"names":   tp.WithShardedParamNames("*.bias"),
	} {
		_, err := tp.TensorParallel(feedForward(1), tp.WithProcessGroup(groups[0]), tp.WithConfig(cfg), opt)
		assert.True(t, tp.IsConfig(err), "%s: %v", name, err)
		assert.Contains(t, err.Error(), "process-parallel", name)
	}
}

func TestDefaultOverlayKeepsGradients(t *testing.T) {
	ctx := context.Background()
	model := feedForward(6)
	model.Add(nn.NewLayerNorm(10, 1e-5))
	rng := rand.New(rand.NewSource(7))
	x := tensor.Randn(tensor.Shape{8, 64}, rng)
	g := tensor.Randn(tensor.Shape{8, 10}, rng)
	want := model.Forward(x)
	wantDx := model.Backward(g)
	wantGrads := make(map[string]*tensor.Tensor)
	for _, np := range nn.NamedParameters(model) {
		wantGrads[np.Path] = np.Parameter.Grad().Clone()
	}
	nn.ZeroGrad(model)

	m := wrap(t, model, tp.WithDevices(devices(2)))
	pm := m.Parallel()
	require.NotNil(t, pm.Overlay(), "trainable modules are sharded by default")
	assert.Equal(t, []string{"3.beta", "3.gamma"}, pm.Overlay().Paths(), "only replicated parameters are overlaid")

	out, err := m.Forward(ctx, x)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, out, tol, tol))
	dx, err := m.Backward(ctx, g)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(wantDx, dx, tol, tol))

	grads, err := m.Gradients(ctx)
	require.NoError(t, err)
	require.Len(t, grads, len(wantGrads))
	for p, w := range wantGrads {
		assert.True(t, tensor.AllClose(w, grads[p], tol, tol), "%s differs by %g", p, tensor.MaxAbsDiff(w, grads[p]))
	}
	require.NoError(t, m.ZeroGrad(ctx))
	grads, err = m.Gradients(ctx)
	require.NoError(t, err)
	assert.Empty(t, grads)
}

const tinyLM = `
name: tiny-lm
architecture: causal-lm
vocab_size: 16
context_len: 8
layers:
  - {name: embed, type: embedding, in: 16, out: 8}
  - {name: up, type: linear, in: 8, out: 16}
  - {type: gelu}
  - {name: head, type: linear, in: 16, out: 16}
`

func TestConfiguredModuleIsAdapted(t *testing.T) {
	model := must.M1(modelspec.Load(strings.NewReader(tinyLM)))
	m := wrap(t, model, tp.WithDevices(devices(2)), tp.WithEmbeddingStrategy(tp.EmbedSplitVocab))
	lm, ok := m.(*tp.Model)
	require.True(t, ok)
	assert.Equal(t, model.Config(), lm.Config())
	require.NoError(t, lm.ValidateModelClass())

	ids := must.M1(tensor.FromSlice([]float32{1, 5, 9, 15}, tensor.Shape{1, 4}))
	want := model.Forward(ids)
	got, err := lm.Forward(context.Background(), ids)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(want, got, tol, tol), "max diff %g", tensor.MaxAbsDiff(want, got))
}

func TestVocabSplitRejectsOutOfRangeIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	model := nn.NewSequential(nn.NewEmbedding(16, 8, rng), nn.NewLinear(8, 4, true, rng))
	m := wrap(t, model, tp.WithDevices(devices(2)), tp.WithEmbeddingStrategy(tp.EmbedSplitVocab))

	for _, id := range []float32{99, -5, 16} {
		ids := must.M1(tensor.FromSlice([]float32{3, id}, tensor.Shape{1, 2}))
		assert.Panics(t, func() { model.Forward(ids) })
		_, err := m.Forward(context.Background(), ids)
		var ee *tp.ExecutionError
		require.True(t, errors.As(err, &ee), "id %v: got %v", id, err)
		assert.Contains(t, err.Error(), "out of range [0, 16)")
	}

	// In-range ids owned by either shard still match the unsharded lookup.
	ids := must.M1(tensor.FromSlice([]float32{3, 15, 0, 8}, tensor.Shape{1, 4}))
	got, err := m.Forward(context.Background(), ids)
	require.NoError(t, err)
	want := model.Forward(ids)
	assert.True(t, tensor.AllClose(want, got, tol, tol), "max diff %g", tensor.MaxAbsDiff(want, got))
}

func TestProcessModeMatchesUnsharded(t *testing.T) {
	model := feedForward(8)
	x := tensor.Randn(tensor.Shape{8, 64}, rand.New(rand.NewSource(9)))
	want := model.Forward(x)

	var (
		mu   sync.Mutex
		outs = make(map[int]*tensor.Tensor)
	)
	err := comm.RunMemoryGroup(context.Background(), 2, func(ctx context.Context, pg comm.ProcessGroup) error {
		m, err := tp.TensorParallel(model, tp.WithProcessGroup(pg))
		if err != nil {
			return err
		}
		defer m.Close()
		assert.Nil(t, m.Parallel().Overlay())
		out, err := m.Forward(ctx, x)
		if err != nil {
			return err
		}
		mu.Lock()
		outs[pg.Rank()] = out
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	for rank, out := range outs {
		assert.True(t, tensor.AllClose(want, out, tol, tol), "rank %d differs by %g", rank, tensor.MaxAbsDiff(want, out))
	}
}

func TestStepMatchesUnsharded(t *testing.T) {
	model := feedForward(11)
	rng := rand.New(rand.NewSource(12))
	x := tensor.Randn(tensor.Shape{8, 64}, rng)
	g := tensor.Randn(tensor.Shape{8, 10}, rng)

	ref := nn.Clone(model)
	ref.Forward(x)
	ref.Backward(g)
	sgd := optim.NewSGD(optim.SGDConfig{LR: 0.1})
	for _, np := range nn.NamedParameters(ref) {
		np.Parameter.SetTensor(tensor.Sub(np.Parameter.Tensor(), sgd.Delta(np.Path, np.Parameter.Grad())))
	}
	want := ref.Forward(x)

	step := func(ctx context.Context, m tp.Module) (*tensor.Tensor, error) {
		if _, err := m.Forward(ctx, x); err != nil {
			return nil, err
		}
		if _, err := m.Backward(ctx, g); err != nil {
			return nil, err
		}
		if err := m.Step(ctx, optim.NewSGD(optim.SGDConfig{LR: 0.1})); err != nil {
			return nil, err
		}
		if err := m.ZeroGrad(ctx); err != nil {
			return nil, err
		}
		return m.Forward(ctx, x)
	}

	t.Run("threads", func(t *testing.T) {
		m := wrap(t, model, tp.WithDevices(devices(2)), tp.WithSharded(false))
		got, err := step(context.Background(), m)
		require.NoError(t, err)
		assert.True(t, tensor.AllClose(want, got, tol, tol), "differs by %g", tensor.MaxAbsDiff(want, got))
	})

	t.Run("processes", func(t *testing.T) {
		var (
			mu   sync.Mutex
			outs = make(map[int]*tensor.Tensor)
		)
		err := comm.RunMemoryGroup(context.Background(), 2, func(ctx context.Context, pg comm.ProcessGroup) error {
			m, err := tp.TensorParallel(model, tp.WithProcessGroup(pg))
			if err != nil {
				return err
			}
			defer m.Close()
			out, err := step(ctx, m)
			if err != nil {
				return err
			}
			mu.Lock()
			outs[pg.Rank()] = out
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		require.Len(t, outs, 2)
		for rank, out := range outs {
			assert.True(t, tensor.AllClose(want, out, tol, tol), "rank %d differs by %g", rank, tensor.MaxAbsDiff(want, out))
		}
	})
}
