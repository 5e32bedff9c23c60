package generate

import (
	"math/rand"
	"sort"

	"github.com/chewxy/math32"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// SamplingConfig selects how the next token is picked from logits.
type SamplingConfig struct {
	// Temperature divides the logits. 0 picks the argmax.
	Temperature float32
	// TopK keeps the K most likely tokens. 0 keeps all.
	TopK int
	// TopP keeps the smallest set of tokens whose probability reaches P.
	// 0 or 1 keeps all.
	TopP float32
	// RepeatPenalty divides positive (multiplies negative) logits of tokens
	// seen in the last RepeatWindow positions. 1 disables it.
	RepeatPenalty float32
	RepeatWindow  int
	// Seed makes sampling reproducible; negative seeds from the clock.
	Seed int64
}

// Greedy is the deterministic configuration.
func Greedy() SamplingConfig {
	return SamplingConfig{RepeatPenalty: 1}
}

// Sampler picks tokens from logits.
type Sampler struct {
	config SamplingConfig
	rng    *rand.Rand
}

// NewSampler creates a sampler for config.
func NewSampler(config SamplingConfig) *Sampler {
	seed := config.Seed
	if seed < 0 {
		seed = rand.Int63() //nolint:gosec // sampling, not security
	}
	return &Sampler{config: config, rng: rand.New(rand.NewSource(seed))} //nolint:gosec // sampling, not security
}

// Sample returns the next token for logits, given the tokens so far.
// logits is not modified.
func (s *Sampler) Sample(logits []float32, previous []int32) int32 {
	logits = append([]float32(nil), logits...)
	if p := s.config.RepeatPenalty; p != 0 && p != 1 {
		penalize(logits, previous, s.config.RepeatWindow, p)
	}
	if s.config.Temperature <= 0 {
		return argmax(logits)
	}
	for i := range logits {
		logits[i] /= s.config.Temperature
	}
	if k := s.config.TopK; k > 0 && k < len(logits) {
		keepTopK(logits, k)
	}
	if p := s.config.TopP; p > 0 && p < 1 {
		keepTopP(logits, p)
	}
	return s.draw(softmax(logits))
}

// SampleLast samples from the last position of logits shaped
// [batch, seq, vocab] (batch row 0), [seq, vocab] or [vocab].
func (s *Sampler) SampleLast(logits *tensor.Tensor, previous []int32) int32 {
	return s.Sample(lastRow(logits), previous)
}

func lastRow(logits *tensor.Tensor) []float32 {
	shape := logits.Shape()
	vocab := shape[len(shape)-1]
	data := logits.Data()
	switch len(shape) {
	case 3:
		start := (shape[1] - 1) * vocab
		return data[start : start+vocab]
	case 2:
		start := (shape[0] - 1) * vocab
		return data[start : start+vocab]
	default:
		return data[:vocab]
	}
}

func argmax(logits []float32) int32 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int32(best) //nolint:gosec // bounded by the vocabulary
}

func penalize(logits []float32, previous []int32, window int, penalty float32) {
	if window > 0 && len(previous) > window {
		previous = previous[len(previous)-window:]
	}
	seen := make(map[int32]bool, len(previous))
	for _, tok := range previous {
		if seen[tok] || tok < 0 || int(tok) >= len(logits) {
			continue
		}
		seen[tok] = true
		if logits[tok] > 0 {
			logits[tok] /= penalty
		} else {
			logits[tok] *= penalty
		}
	}
}

var negInf = math32.Inf(-1)

// keepTopK masks everything below the k-th largest logit.
func keepTopK(logits []float32, k int) {
	sorted := append([]float32(nil), logits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	threshold := sorted[k-1]
	for i, v := range logits {
		if v < threshold {
			logits[i] = negInf
		}
	}
}

// keepTopP masks the tail outside the nucleus of mass p. The most likely
// token is always kept.
func keepTopP(logits []float32, p float32) {
	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })
	var mass float32
	cut := len(order)
	for rank, i := range order {
		mass += probs[i]
		if mass >= p {
			cut = rank + 1
			break
		}
	}
	for _, i := range order[cut:] {
		logits[i] = negInf
	}
}

func (s *Sampler) draw(probs []float32) int32 {
	r := s.rng.Float32()
	var acc float32
	for i, p := range probs {
		acc += p
		if r < acc {
			return int32(i) //nolint:gosec // bounded by the vocabulary
		}
	}
	return int32(len(probs) - 1) //nolint:gosec // bounded by the vocabulary
}

func softmax(logits []float32) []float32 {
	maxVal := negInf
	for _, v := range logits {
		maxVal = math32.Max(maxVal, v)
	}
	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		if math32.IsInf(v, -1) {
			continue
		}
		probs[i] = math32.Exp(v - maxVal)
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}
