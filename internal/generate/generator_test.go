package generate_test

import (
	"context"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/internal/adapter"
	"github.com/born-ml/tensorparallel/internal/generate"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tokenizer"
)

// scriptLM emits the bytes of script one per step, then EOS.
type scriptLM struct {
	script  string
	calls   int
	seqLens []int
	kwargs  []int
}

func (m *scriptLM) Forward(_ context.Context, args ...any) (*tensor.Tensor, error) {
	ids := args[0].(*tensor.Tensor)
	seq := ids.Shape()[1]
	m.seqLens = append(m.seqLens, seq)
	m.kwargs = append(m.kwargs, len(args)-1)
	next := 256
	if m.calls < len(m.script) {
		next = int(m.script[m.calls])
	}
	m.calls++
	logits := tensor.Zeros(tensor.Shape{1, seq, 257})
	logits.Data()[(seq-1)*257+next] = 10
	return logits, nil
}

func (m *scriptLM) ValidateModelClass() error { return nil }

func (m *scriptLM) ValidateModelKwargs(kwargs map[string]any) error {
	if _, ok := kwargs["bad"]; ok {
		return errors.New("bad kwarg")
	}
	return nil
}

func (m *scriptLM) PrepareInputsForGeneration(ids *tensor.Tensor, past any, kwargs map[string]any) (adapter.GenerationInputs, error) {
	steps, _ := past.(int)
	return adapter.GenerationInputs{InputIDs: ids, Past: steps + 1, Kwargs: kwargs}, nil
}

func TestGenerate_StopsAtEOS(t *testing.T) {
	lm := &scriptLM{script: "hi!"}
	g := must.M1(generate.New(lm, tokenizer.Bytes{}))

	var steps []generate.Step
	err := g.Stream(context.Background(), "ab", generate.Config{MaxTokens: 10, Sampling: generate.Greedy()}, func(s generate.Step) bool {
		steps = append(steps, s)
		return true
	})
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "!", steps[2].Token)
	assert.True(t, steps[3].Done)
	assert.Equal(t, generate.StopEOS, steps[3].Reason)
	assert.Equal(t, []int{2, 3, 4, 5}, lm.seqLens, "every step sees the full history")
}

func TestGenerate_MaxTokensAndStopStrings(t *testing.T) {
	ctx := context.Background()
	g := must.M1(generate.New(&scriptLM{script: "hello world"}, tokenizer.Bytes{}))
	out, err := g.Generate(ctx, "x", generate.Config{MaxTokens: 4, Sampling: generate.Greedy()})
	require.NoError(t, err)
	assert.Equal(t, "hell", out)

	g = must.M1(generate.New(&scriptLM{script: "hello world"}, tokenizer.Bytes{}))
	out, err = g.Generate(ctx, "x", generate.Config{MaxTokens: 20, StopStrings: []string{"lo "}, Sampling: generate.Greedy()})
	require.NoError(t, err)
	assert.Equal(t, "hello ", out)
}

func TestGenerate_CallbackStops(t *testing.T) {
	g := must.M1(generate.New(&scriptLM{script: "abcdef"}, tokenizer.Bytes{}))
	var got strings.Builder
	err := g.Stream(context.Background(), "x", generate.Config{MaxTokens: 10, Sampling: generate.Greedy()}, func(s generate.Step) bool {
		got.WriteString(s.Token)
		return got.Len() < 2
	})
	require.NoError(t, err)
	assert.Equal(t, "ab", got.String())
}

func TestGenerate_KwargsReachForward(t *testing.T) {
	lm := &scriptLM{script: "a"}
	g := must.M1(generate.New(lm, tokenizer.Bytes{}))
	_, err := g.Generate(context.Background(), "x", generate.Config{
		MaxTokens: 1, Kwargs: map[string]any{"b": 1, "a": 2}, Sampling: generate.Greedy(),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, lm.kwargs)

	_, err = g.Generate(context.Background(), "x", generate.Config{MaxTokens: 1, Kwargs: map[string]any{"bad": 1}})
	assert.Error(t, err)
	_, err = g.Generate(context.Background(), "", generate.Config{MaxTokens: 1})
	assert.Error(t, err, "empty prompt")
}

type noGenLM struct{ scriptLM }

func (noGenLM) ValidateModelClass() error { return errors.New("not a language model") }

func TestNew_RejectsModelClass(t *testing.T) {
	_, err := generate.New(&noGenLM{}, tokenizer.Bytes{})
	assert.Error(t, err)
}
