package generate

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

func TestSample_GreedyPicksArgmax(t *testing.T) {
	s := NewSampler(Greedy())
	logits := []float32{0.1, 2, -1, 1.9}
	assert.Equal(t, int32(1), s.Sample(logits, nil))
	assert.Equal(t, []float32{0.1, 2, -1, 1.9}, logits, "logits are not modified")
}

func TestSample_RepeatPenalty(t *testing.T) {
	s := NewSampler(SamplingConfig{RepeatPenalty: 2, RepeatWindow: 2})
	logits := []float32{0.1, 2, -1, 1.9}
	assert.Equal(t, int32(3), s.Sample(logits, []int32{1}))
	assert.Equal(t, int32(1), s.Sample(logits, []int32{1, 0, 2}), "token 1 is outside the window")
}

func TestSample_TopKOne(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 5, TopK: 1, RepeatPenalty: 1, Seed: 3})
	for i := 0; i < 20; i++ {
		assert.Equal(t, int32(2), s.Sample([]float32{1, 2, 3, 0}, nil))
	}
}

func TestSample_TopPKeepsNucleus(t *testing.T) {
	s := NewSampler(SamplingConfig{Temperature: 1, TopP: 0.5, RepeatPenalty: 1, Seed: 1})
	for i := 0; i < 20; i++ {
		assert.Equal(t, int32(0), s.Sample([]float32{5, 0, 0, 0}, nil))
	}
}

func TestSample_SeedIsReproducible(t *testing.T) {
	cfg := SamplingConfig{Temperature: 1, RepeatPenalty: 1, Seed: 42}
	logits := []float32{1, 1, 1, 1, 1, 1}
	a, b := NewSampler(cfg), NewSampler(cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Sample(logits, nil), b.Sample(logits, nil))
	}
}

func TestSampleLast_UsesLastPosition(t *testing.T) {
	s := NewSampler(Greedy())
	logits := must.M1(tensor.FromSlice([]float32{
		9, 0, 0,
		0, 0, 9,
	}, tensor.Shape{1, 2, 3}))
	assert.Equal(t, int32(2), s.SampleLast(logits, nil))
	flat := must.M1(tensor.FromSlice([]float32{0, 9, 0}, tensor.Shape{3}))
	assert.Equal(t, int32(1), s.SampleLast(flat, nil))
}

func TestSoftmax_SumsToOne(t *testing.T) {
	probs := softmax([]float32{1, 2, negInf, 3})
	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-5)
	assert.Zero(t, probs[2])
}
