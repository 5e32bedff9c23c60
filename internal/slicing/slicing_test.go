package slicing_test

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// feedForward is the 64 -> 128 -> 10 block used across the tests.
func feedForward(rng *rand.Rand) *nn.Sequential {
	return nn.NewSequential(
		nn.NewLinear(64, 128, true, rng),
		nn.NewReLU(),
		nn.NewLinear(128, 10, true, rng),
	)
}

func actionTable(plan *slicing.Plan) map[string]string {
	out := make(map[string]string)
	for _, p := range plan.Params {
		out[p.Path] = p.Action.String()
	}
	return out
}

func TestBuildConfig_FeedForwardPairsColumnAndRow(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)

	want := map[string]string{
		"0.weight": "split(0)",
		"0.bias":   "split(0)",
		"2.weight": "split(1)",
		"2.bias":   "custom(scale)",
	}
	if diff := cmp.Diff(want, actionTable(plan)); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, plan.Steps, 3)
	assert.Equal(t, slicing.Sharded(-1), plan.Steps[0].Produces)
	assert.Equal(t, "concat(-1)", plan.Steps[0].Output.String())
	assert.True(t, plan.Steps[0].PartialInputGrad)
	assert.Equal(t, slicing.Sharded(-1), plan.Steps[1].Produces, "relu keeps the layout")
	assert.Equal(t, slicing.Partial(), plan.Steps[2].Produces)
	assert.False(t, plan.Steps[2].PartialInputGrad)
	assert.Equal(t, slicing.Sum(), plan.Output)
	assert.False(t, plan.DataParallel)

	g, ok := plan.Param("2.bias")
	require.True(t, ok)
	assert.Equal(t, "mean", g.Grad.String())
	g, _ = plan.Param("0.weight")
	assert.Equal(t, "concat(0)", g.Grad.String())
}

func TestBuildConfig_NotDivisibleIsConfigError(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	_, err := slicing.BuildConfig(model, 3)
	require.Error(t, err)

	var ce *tperr.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "0.weight", ce.Param)
	assert.Equal(t, tensor.Shape{128, 64}, ce.Shape)

	var se *tperr.ShapeError
	require.True(t, errors.As(err, &se), "wraps the shape error")
	assert.Equal(t, "0.weight", se.Name)
	assert.Equal(t, 0, se.Axis)
	assert.Equal(t, 3, se.NumParts)
}

func TestBuildConfig_ThirdLinearGathersPartial(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	model := nn.NewSequential(
		nn.NewLinear(8, 8, true, rng),
		nn.NewLinear(8, 8, true, rng),
		nn.NewLinear(8, 4, false, rng),
	)
	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)

	assert.Equal(t, slicing.CollectiveAllReduce, plan.Steps[2].Input.Kind)
	assert.Equal(t, slicing.Sharded(-1), plan.OutputLayout)
	assert.Equal(t, slicing.Concat(-1), plan.Output)
}

func TestBuildConfig_LayerNormAfterRowGathers(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	model := nn.NewSequential(
		nn.NewLinear(8, 16, true, rng),
		nn.NewGELU(),
		nn.NewLinear(16, 8, true, rng),
		nn.NewLayerNorm(8, 1e-5),
	)
	cfg, err := slicing.BuildConfig(model, 4)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)

	assert.Equal(t, slicing.CollectiveAllReduce, plan.Steps[3].Input.Kind)
	assert.Equal(t, slicing.SelectOne(0), plan.Output)
	assert.Equal(t, "replicate", actionTable(plan)["3.gamma"])
	g, _ := plan.Param("3.gamma")
	assert.Equal(t, "select(0)", g.Grad.String())
}

func TestBuildConfig_EmbeddingStrategies(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	model := nn.NewSequential(nn.NewEmbedding(20, 8, rng), nn.NewLinear(8, 6, true, rng))

	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)
	assert.Equal(t, "split(1)", actionTable(plan)["0.weight"])
	assert.Equal(t, "split(1)", actionTable(plan)["1.weight"], "linear after a dim-split embedding is row parallel")
	assert.Equal(t, slicing.Sum(), plan.Output)

	cfg, err = slicing.BuildConfig(model, 2, slicing.WithEmbeddingStrategy(slicing.EmbedSplitVocab))
	require.NoError(t, err)
	plan, err = slicing.Resolve(model, cfg)
	require.NoError(t, err)
	assert.Equal(t, "split(0)", actionTable(plan)["0.weight"])
	assert.Equal(t, slicing.ShardOffset{Param: "weight", Axis: 0}, plan.Steps[0].Attrs[nn.AttrVocabOffset])
	assert.Equal(t, slicing.CollectiveAllReduce, plan.Steps[1].Input.Kind)
	assert.Equal(t, "split(0)", actionTable(plan)["1.weight"])
}

func TestBuildConfig_ConvPairsOnChannels(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := nn.NewSequential(
		nn.NewConv2D(3, 8, 3, 3, 1, 1, true, rng),
		nn.NewReLU(),
		nn.NewConv2D(8, 4, 3, 3, 1, 1, true, rng),
	)
	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)
	assert.Equal(t, slicing.Sharded(1), plan.Steps[1].Produces)
	assert.Equal(t, "split(1)", actionTable(plan)["2.weight"])
	assert.Equal(t, slicing.Sum(), plan.Output)
}

// opaque is an operator kind the registry does not know.
type opaque struct{ w *nn.Parameter }

func (o *opaque) Kind() nn.Kind { return "opaque" }

func (o *opaque) Forward(x *tensor.Tensor) *tensor.Tensor { return x }

func (o *opaque) Backward(g *tensor.Tensor) *tensor.Tensor { return g }

func (o *opaque) Parameters() []*nn.Parameter { return []*nn.Parameter{o.w} }

func (o *opaque) CloneStructure() nn.Module {
	return &opaque{w: nn.NewParameter("w", o.w.Tensor())}
}

func TestBuildConfig_UnknownKindReplicatedAndDataParallel(t *testing.T) {
	model := nn.NewSequential(&opaque{w: nn.NewParameter("w", tensor.Ones(tensor.Shape{3}))}, nn.NewLayerNorm(4, 1e-5))
	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)

	assert.True(t, plan.DataParallel)
	assert.Equal(t, slicing.Concat(0), plan.Output)
	assert.Equal(t, slicing.SplitBatchRole(0), plan.Role("0", tensor.Zeros(tensor.Shape{2, 4})))
	assert.Equal(t, slicing.ReplicateRole(), plan.Role("flag", true))
	g, _ := plan.Param("0.w")
	assert.Equal(t, slicing.Sum(), g.Grad)
}

func TestResolve_TensorRoleDefaultsToReplicateWhenSliced(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)
	assert.Equal(t, slicing.ReplicateRole(), plan.Role("0", tensor.Zeros(tensor.Shape{8, 64})))

	cfg.Inputs = map[string]slicing.InputRole{"0": slicing.SplitBatchRole(0)}
	_, err = slicing.Resolve(model, cfg)
	assert.True(t, tperr.IsConfig(err))
}

func TestResolve_IncompatibleLayoutsNameBothOperators(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg := &slicing.Config{
		NumParts: 2,
		Rules: []slicing.Rule{
			{Pattern: "0", Params: map[string]slicing.Action{"weight": slicing.Split(0), "bias": slicing.Split(0)}, Produces: slicing.Sharded(-1)},
			{Pattern: "2", Params: map[string]slicing.Action{"weight": slicing.Split(0)}, Produces: slicing.Sharded(-1)},
		},
	}
	_, err := slicing.Resolve(model, cfg)
	var ce *tperr.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"1", "2"}, ce.Operators)

	// Combining before the consumer fixes it.
	cfg.Rules[1].Input = slicing.Gather()
	plan, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)
	assert.Equal(t, slicing.CollectiveAllGather, plan.Steps[2].Input.Kind)
}

func TestResolve_PartialIntoElementwiseIsRejected(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg := &slicing.Config{
		NumParts: 2,
		Rules: []slicing.Rule{
			{Pattern: "0", Params: map[string]slicing.Action{"weight": slicing.Split(1)}, Consumes: slicing.Sharded(-1), Produces: slicing.Partial()},
		},
	}
	_, err := slicing.Resolve(model, cfg)
	require.True(t, tperr.IsConfig(err))

	cfg.Rules[0].Input = slicing.Scatter(-1)
	_, err = slicing.Resolve(model, cfg)
	require.True(t, tperr.IsConfig(err), "relu still sees the partial sum")
	assert.Contains(t, err.Error(), "partial")
}

func TestResolve_RulePrecedenceAndAmbiguity(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg := &slicing.Config{
		NumParts: 2,
		Rules: []slicing.Rule{
			{Pattern: "*", Kind: nn.KindLinear},
			{Pattern: "0", Params: map[string]slicing.Action{"weight": slicing.Split(0)}, Produces: slicing.Sharded(-1)},
		},
	}
	// The exact pattern beats the glob for "0"; "2" then needs a gather.
	_, err := slicing.Resolve(model, cfg)
	require.True(t, tperr.IsConfig(err))
	cfg.Rules[0].Input = slicing.Gather()
	_, err = slicing.Resolve(model, cfg)
	require.NoError(t, err)

	cfg.Rules = append(cfg.Rules, slicing.Rule{Pattern: "?", Kind: nn.KindLinear})
	_, err = slicing.Resolve(model, cfg)
	require.True(t, tperr.IsConfig(err))
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestResolve_UnknownParameterAndBadAxis(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg := &slicing.Config{NumParts: 2, Rules: []slicing.Rule{{Pattern: "0", Params: map[string]slicing.Action{"kernel": slicing.Split(0)}}}}
	_, err := slicing.Resolve(model, cfg)
	var ce *tperr.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "0.kernel", ce.Param)

	cfg.Rules[0].Params = map[string]slicing.Action{"weight": slicing.Split(2)}
	_, err = slicing.Resolve(model, cfg)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "0.weight", ce.Param)

	_, err = slicing.Resolve(model, &slicing.Config{NumParts: 0})
	assert.True(t, tperr.IsConfig(err))
}

func TestResolve_ExplicitOutputMustMatchLayout(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	cfg, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	bad := slicing.Concat(-1)
	cfg.Output = &bad
	_, err = slicing.Resolve(model, cfg)
	assert.True(t, tperr.IsConfig(err))

	custom := slicing.CustomCombine("first", func(parts []*tensor.Tensor) (*tensor.Tensor, error) { return parts[0], nil })
	cfg.Output = &custom
	_, err = slicing.Resolve(model, cfg)
	assert.NoError(t, err)
}

const feedForwardYAML = `
num_parts: 2
policy: contiguous
inputs:
  "0": replicate
rules:
  - pattern: "0"
    kind: linear
    params: {weight: split(0), bias: split(0)}
    produces: sharded(-1)
    output: concat(-1)
  - pattern: "1"
    consumes: any
    produces: same
  - pattern: "2"
    params: {weight: split(1), bias: custom(scale)}
    consumes: sharded(-1)
    produces: partial
output: sum
`

func TestLoadConfig_MatchesInferredPlan(t *testing.T) {
	model := feedForward(rand.New(rand.NewSource(1)))
	loaded, err := slicing.LoadConfig(strings.NewReader(feedForwardYAML))
	require.NoError(t, err)
	explicit, err := slicing.Resolve(model, loaded)
	require.NoError(t, err)

	auto, err := slicing.BuildConfig(model, 2)
	require.NoError(t, err)
	inferred, err := slicing.Resolve(model, auto)
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(actionTable(inferred), actionTable(explicit)))
	assert.Equal(t, inferred.Output, explicit.Output)
	assert.Equal(t, slicing.ReplicateRole(), explicit.Inputs["0"])
}

func TestLoadConfig_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":  "num_parts: 2\nbogus: 1\n",
		"bad action":     "num_parts: 2\nrules:\n  - pattern: a\n    params: {weight: shard(0)}\n",
		"bad transform":  "num_parts: 2\nrules:\n  - pattern: a\n    params: {weight: custom(nope)}\n",
		"bad layout":     "num_parts: 2\nrules:\n  - pattern: a\n    produces: sideways\n",
		"bad axis":       "num_parts: 2\nrules:\n  - pattern: a\n    params: {weight: split(x)}\n",
		"bad policy":     "num_parts: 2\npolicy: random\n",
		"bad input role": "num_parts: 2\ninputs: {\"0\": scatter}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := slicing.LoadConfig(strings.NewReader(doc))
			assert.True(t, tperr.IsConfig(err), "got %v", err)
		})
	}
}

func TestMarshalConfig_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	model := nn.NewSequential(nn.NewEmbedding(16, 8, rng), nn.NewLinear(8, 8, true, rng), nn.NewGELU(), nn.NewLayerNorm(8, 1e-5))
	cfg, err := slicing.BuildConfig(model, 2, slicing.WithEmbeddingStrategy(slicing.EmbedSplitVocab))
	require.NoError(t, err)

	data, err := slicing.MarshalConfig(cfg)
	require.NoError(t, err)
	back, err := slicing.LoadConfig(bytes.NewReader(data))
	require.NoError(t, err)

	a, err := slicing.Resolve(model, cfg)
	require.NoError(t, err)
	b, err := slicing.Resolve(model, back)
	require.NoError(t, err)
	assert.Equal(t, slicing.Contiguous, b.Policy)
	assert.Empty(t, cmp.Diff(actionTable(a), actionTable(b)))
	assert.Equal(t, a.Steps[0].Attrs, b.Steps[0].Attrs)
	assert.Equal(t, a.Output, b.Output)
}

func TestCombine_Apply(t *testing.T) {
	x := tensor.Arange(tensor.Shape{2, 4})
	for _, policy := range []slicing.SplitPolicy{slicing.Contiguous, slicing.Strided} {
		parts := policy.Chunk(x, 2, -1)
		back, err := slicing.Concat(-1).Apply(parts, policy)
		require.NoError(t, err)
		assert.True(t, back.Equal(x), "policy %v", policy)
		for i := range parts {
			assert.True(t, policy.Slice(x, i, 2, -1).Equal(parts[i]))
		}
	}

	a := tensor.Ones(tensor.Shape{2})
	b := tensor.Full(tensor.Shape{2}, 3)
	sum, err := slicing.Sum().Apply([]*tensor.Tensor{a, b}, slicing.Contiguous)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 4}, sum.Data())
	mean, err := slicing.Mean().Apply([]*tensor.Tensor{a, b}, slicing.Contiguous)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, mean.Data())
	one, err := slicing.SelectOne(1).Apply([]*tensor.Tensor{a, b}, slicing.Contiguous)
	require.NoError(t, err)
	assert.Same(t, b, one)

	_, err = slicing.SelectOne(5).Apply([]*tensor.Tensor{a, b}, slicing.Contiguous)
	assert.Error(t, err)
	_, err = slicing.Sum().Apply([]*tensor.Tensor{a, tensor.Ones(tensor.Shape{3})}, slicing.Contiguous)
	assert.Error(t, err)
	_, err = slicing.Concat(0).Apply([]*tensor.Tensor{tensor.Ones(tensor.Shape{2, 2}), tensor.Ones(tensor.Shape{2, 3})}, slicing.Contiguous)
	assert.Error(t, err)
}

func TestSplitRoundTripReconstructsParameter(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := tensor.Randn(tensor.Shape{6, 4, 2}, rng)
	for axis := 0; axis < 3; axis++ {
		for _, n := range []int{1, 2} {
			var parts []*tensor.Tensor
			for i := 0; i < n; i++ {
				p, err := slicing.Split(axis).Apply(w, i, n, slicing.Contiguous)
				require.NoError(t, err)
				parts = append(parts, p)
			}
			back, err := slicing.Concat(axis).Apply(parts, slicing.Contiguous)
			require.NoError(t, err)
			assert.True(t, back.Equal(w), "axis=%d n=%d", axis, n)
		}
	}
	_, err := slicing.Split(0).Apply(w, 0, 4, slicing.Contiguous)
	assert.Error(t, err)
}

func TestScaleTransform(t *testing.T) {
	b := tensor.Full(tensor.Shape{3}, 6)
	out, err := slicing.Custom(slicing.ScaleTransform).Apply(b, 1, 3, slicing.Contiguous)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2, 2}, out.Data())
	assert.Equal(t, []float32{6, 6, 6}, b.Data(), "input untouched")

	same, err := slicing.Custom(slicing.ScaleTransform).Apply(b, 0, 1, slicing.Contiguous)
	require.NoError(t, err)
	assert.True(t, same.Equal(b))
}

func TestResolve_StridedPolicyRejectsOffsets(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	model := nn.NewSequential(nn.NewEmbedding(16, 8, rng), nn.NewLinear(8, 8, true, rng))
	_, err := slicing.BuildConfig(model, 2, slicing.WithEmbeddingStrategy(slicing.EmbedSplitVocab), slicing.WithPolicy(slicing.Strided))
	assert.True(t, tperr.IsConfig(err))

	_, err = slicing.BuildConfig(model, 2, slicing.WithPolicy(slicing.Strided))
	assert.NoError(t, err)
}

func TestRegistry_Kinds(t *testing.T) {
	reg := slicing.NewRegistry()
	reg.Register("opaque", slicing.KindSpec{Elementwise: true})
	kinds := reg.Kinds()
	assert.Contains(t, kinds, nn.KindLinear)
	assert.Contains(t, kinds, nn.Kind("opaque"))
	_, ok := slicing.DefaultRegistry.Lookup("opaque")
	assert.False(t, ok)
}
