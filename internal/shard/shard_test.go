package shard_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

func feedForward(seed int64) *nn.Sequential {
	rng := rand.New(rand.NewSource(seed))
	return nn.NewSequential(
		nn.NewLinear(64, 128, true, rng),
		nn.NewReLU(),
		nn.NewLinear(128, 10, true, rng),
	)
}

func autoPlan(t *testing.T, m nn.Module, n int, opts ...slicing.BuildOption) *slicing.Plan {
	t.Helper()
	cfg, err := slicing.BuildConfig(m, n, opts...)
	require.NoError(t, err)
	plan, err := slicing.Resolve(m, cfg)
	require.NoError(t, err)
	return plan
}

func TestBuildShards_FeedForwardShapes(t *testing.T) {
	model := feedForward(1)
	plan := autoPlan(t, model, 2)

	var progress []int
	shards, err := shard.BuildShards(model, plan, shard.WithProgress(func(done, total int) {
		assert.Equal(t, 2, total)
		progress = append(progress, done)
	}))
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, []int{1, 2}, progress)

	for i, s := range shards {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, tensor.Shape{64, 64}, s.Param("0.weight").Shape())
		assert.Equal(t, tensor.Shape{64}, s.Param("0.bias").Shape())
		assert.Equal(t, tensor.Shape{10, 64}, s.Param("2.weight").Shape())
		assert.Equal(t, tensor.Shape{10}, s.Param("2.bias").Shape())
	}

	// Slices reassemble to the original weights.
	w0 := tensor.Cat([]*tensor.Tensor{shards[0].Param("0.weight").Tensor(), shards[1].Param("0.weight").Tensor()}, 0)
	assert.True(t, w0.Equal(model.Module(0).(*nn.Linear).Weight().Tensor()))
	w2 := tensor.Cat([]*tensor.Tensor{shards[0].Param("2.weight").Tensor(), shards[1].Param("2.weight").Tensor()}, 1)
	assert.True(t, w2.Equal(model.Module(2).(*nn.Linear).Weight().Tensor()))

	// Row-parallel bias is scaled so the sum over shards restores it.
	b2 := tensor.Add(shards[0].Param("2.bias").Tensor(), shards[1].Param("2.bias").Tensor())
	assert.True(t, tensor.AllClose(b2, model.Module(2).(*nn.Linear).Bias().Tensor(), 1e-6, 1e-6))
}

func TestBuildShards_DoesNotShareOrMutate(t *testing.T) {
	model := feedForward(2)
	before := model.Module(0).(*nn.Linear).Weight().Tensor().Clone()
	plan := autoPlan(t, model, 2)
	shards, err := shard.BuildShards(model, plan)
	require.NoError(t, err)

	shards[0].Param("0.weight").Tensor().Data()[0] += 100
	assert.True(t, before.Equal(model.Module(0).(*nn.Linear).Weight().Tensor()))
	assert.NotSame(t, shards[0].Module, shards[1].Module)
	assert.NotSame(t, model, shards[0].Module)
}

func TestBuildShards_SinglePartIsIdentical(t *testing.T) {
	model := feedForward(3)
	plan := autoPlan(t, model, 1)
	shards, err := shard.BuildShards(model, plan)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	for _, np := range nn.NamedParameters(model) {
		assert.True(t, np.Parameter.Tensor().Equal(shards[0].Param(np.Path).Tensor()), np.Path)
	}
}

func TestBuildShards_NotDivisibleIsShapeError(t *testing.T) {
	model := feedForward(4)
	cfg := &slicing.Config{
		NumParts: 3,
		Rules: []slicing.Rule{{
			Pattern:  "0",
			Params:   map[string]slicing.Action{"weight": slicing.Split(0), "bias": slicing.Split(0)},
			Produces: slicing.Sharded(-1),
		}, {
			Pattern:  "2",
			Input:    slicing.Gather(),
			Consumes: slicing.Full(),
			Produces: slicing.Full(),
		}},
	}
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)

	var progressed bool
	_, err = shard.BuildShards(model, plan, shard.WithProgress(func(int, int) { progressed = true }))
	require.Error(t, err)
	var se *tperr.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "0.weight", se.Name)
	assert.Equal(t, tensor.Shape{128, 64}, se.Shape)
	assert.Equal(t, 3, se.NumParts)
	assert.False(t, progressed, "no shard may be built after a failed check")
}

func TestBuildShards_VocabOffsets(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := nn.NewSequential(nn.NewEmbedding(8, 4, rng))
	plan := autoPlan(t, model, 2, slicing.WithEmbeddingStrategy(slicing.EmbedSplitVocab))
	shards, err := shard.BuildShards(model, plan)
	require.NoError(t, err)

	for i, s := range shards {
		emb := s.Module.(*nn.Sequential).Module(0).(*nn.Embedding)
		off, ok := emb.Attr(nn.AttrVocabOffset)
		require.True(t, ok)
		assert.Equal(t, 4*i, off)
	}
}

func TestBuildShard_SingleIndex(t *testing.T) {
	model := feedForward(6)
	plan := autoPlan(t, model, 2)
	s, err := shard.BuildShard(model, plan, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index)

	all, err := shard.BuildShards(model, plan)
	require.NoError(t, err)
	assert.True(t, all[1].Param("0.weight").Tensor().Equal(s.Param("0.weight").Tensor()))

	_, err = shard.BuildShard(model, plan, 2)
	assert.True(t, tperr.IsConfig(err))
}

func TestMeasure(t *testing.T) {
	model := feedForward(7)
	plan := autoPlan(t, model, 2)
	shards, err := shard.BuildShards(model, plan)
	require.NoError(t, err)

	st := shard.Measure(model, shards)
	require.Len(t, st.Shards, 2)
	orig := int64(4 * (128*64 + 128 + 10*128 + 10))
	assert.Equal(t, orig, st.Original)
	assert.Equal(t, int64(4*(64*64+64+10*64+10)), st.Shards[0].Bytes)
	assert.True(t, strings.Contains(st.String(), "original"))
}
