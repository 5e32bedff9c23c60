package modelspec_test

import (
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/internal/modelspec"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tensor"
)

const tinyLM = `
name: tiny-lm
architecture: causal-lm
vocab_size: 32
context_len: 4
seed: 7
layers:
  - {name: embed, type: embedding, in: 32, out: 16}
  - {type: layernorm, size: 16}
  - {name: up, type: linear, in: 16, out: 64}
  - {type: gelu}
  - {name: down, type: linear, in: 64, out: 16}
  - {name: head, type: linear, in: 16, out: 32, bias: false}
`

func TestLoad_BuildsDeterministicModel(t *testing.T) {
	a := must.M1(modelspec.Load(strings.NewReader(tinyLM)))
	b := must.M1(modelspec.Load(strings.NewReader(tinyLM)))

	var paths []string
	for _, l := range nn.Leaves(a) {
		paths = append(paths, l.Path)
	}
	assert.Equal(t, []string{"embed", "1", "up", "3", "down", "head"}, paths)
	assert.Nil(t, a.Module(5).(*nn.Linear).Bias())

	pa, pb := nn.NamedParameters(a), nn.NamedParameters(b)
	require.Len(t, pb, len(pa))
	for i := range pa {
		assert.True(t, pa[i].Parameter.Tensor().Equal(pb[i].Parameter.Tensor()), pa[i].Path)
	}

	ids := must.M1(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{1, 3}))
	assert.Equal(t, tensor.Shape{1, 3, 32}, a.Forward(ids).Shape())

	cfg := a.Config()
	assert.Equal(t, "tiny-lm", cfg.Name)
	assert.Equal(t, 32, cfg.VocabSize)
	require.NoError(t, a.ValidateModelClass())
}

func TestLoad_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field": "name: x\nlayers: [{type: relu}]\nwidth: 3\n",
		"unknown type":  "name: x\nlayers: [{type: attention}]\n",
		"no layers":     "name: x\n",
		"bad size":      "name: x\nlayers: [{type: linear, in: 3}]\n",
		"dup name":      "name: x\nlayers: [{name: a, type: relu}, {name: a, type: gelu}]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := modelspec.Load(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestCloneStructure_KeepsConfig(t *testing.T) {
	m := must.M1(modelspec.Load(strings.NewReader(tinyLM)))
	c, ok := m.CloneStructure().(*modelspec.Model)
	require.True(t, ok)
	assert.Equal(t, m.Config(), c.Config())
	for _, np := range nn.NamedParameters(c) {
		assert.Nil(t, np.Parameter.Tensor(), np.Path)
	}
}

func TestValidateModelClass(t *testing.T) {
	m := must.M1(modelspec.Build(modelspec.Config{
		Name:   "mlp",
		Layers: []modelspec.Layer{{Type: "linear", In: 4, Out: 2}},
	}))
	assert.Error(t, m.ValidateModelClass())

	m = must.M1(modelspec.Build(modelspec.Config{
		Name: "headless", Architecture: modelspec.ArchCausalLM, VocabSize: 8,
		Layers: []modelspec.Layer{{Type: "embedding", In: 8, Out: 4}, {Type: "linear", In: 4, Out: 4}},
	}))
	assert.Error(t, m.ValidateModelClass())
}

func TestValidateModelKwargs(t *testing.T) {
	m := must.M1(modelspec.Load(strings.NewReader(tinyLM)))
	assert.NoError(t, m.ValidateModelKwargs(nil))
	err := m.ValidateModelKwargs(map[string]any{"top_k": 3, "mask": nil})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[mask top_k]")
}

func TestPrepareInputsForGeneration_WindowsHistory(t *testing.T) {
	m := must.M1(modelspec.Load(strings.NewReader(tinyLM)))
	ids := must.M1(tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{1, 3}))

	in, err := m.PrepareInputsForGeneration(ids, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, in.InputIDs.Data())

	ids = must.M1(tensor.FromSlice([]float32{1, 2, 3, 4, 5}, tensor.Shape{1, 5}))
	next, err := m.PrepareInputsForGeneration(ids, in.Past, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 4, 5}, next.InputIDs.Data(), "last context_len tokens")
	assert.Equal(t, 3, in.Past.(*nn.KVCache).Len(), "past is not modified")
	assert.Equal(t, 5, next.Past.(*nn.KVCache).Len())
	history, values := next.Past.(*nn.KVCache).Get(0)
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, history.Data())
	assert.Nil(t, values, "ids are stored once")

	_, err = m.PrepareInputsForGeneration(ids, "past", nil)
	assert.Error(t, err)
	two := must.M1(tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}))
	_, err = m.PrepareInputsForGeneration(two, in.Past, nil)
	assert.Error(t, err, "row count mismatch")
}

func TestReorderCache(t *testing.T) {
	m := must.M1(modelspec.Load(strings.NewReader(tinyLM)))
	ids := must.M1(tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}))
	in := must.M1(m.PrepareInputsForGeneration(ids, nil, nil))

	out, err := m.ReorderCache(in.Past, []int{1, 1})
	require.NoError(t, err)
	keys, values := out.(*nn.KVCache).Get(0)
	assert.Equal(t, []float32{3, 4, 3, 4}, keys.Data())
	assert.Nil(t, values)
	orig, _ := in.Past.(*nn.KVCache).Get(0)
	assert.Equal(t, []float32{1, 2, 3, 4}, orig.Data())

	_, err = m.ReorderCache(nil, []int{0})
	assert.Error(t, err)
}
