// Package generate runs autoregressive decoding on a parallel language
// model through the adapter contract: the model validates itself and its
// arguments, prepares each step's inputs from the past state, and returns
// logits for every position.
package generate

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/adapter"
	"github.com/born-ml/tensorparallel/internal/executor"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tokenizer"
)

// LM is the part of the adapter contract decoding needs.
type LM interface {
	Forward(ctx context.Context, args ...any) (*tensor.Tensor, error)
	ValidateModelClass() error
	ValidateModelKwargs(kwargs map[string]any) error
	PrepareInputsForGeneration(ids *tensor.Tensor, past any, kwargs map[string]any) (adapter.GenerationInputs, error)
}

var _ LM = (*adapter.Model)(nil)

// Config configures one generation.
type Config struct {
	// MaxTokens bounds the number of generated tokens.
	MaxTokens int
	// StopStrings end generation once the output ends with one of them.
	StopStrings []string
	// Kwargs are extra model arguments, checked by the model.
	Kwargs   map[string]any
	Sampling SamplingConfig
}

// Stop reasons reported in Step.
const (
	StopEOS        = "eos"
	StopMaxTokens  = "max_tokens"
	StopStopString = "stop_string"
)

// Step is one generated token.
type Step struct {
	Token   string
	TokenID int32
	Done    bool
	Reason  string
}

// Generator decodes text with a model and a tokenizer.
type Generator struct {
	lm  LM
	tok tokenizer.Tokenizer
}

// New validates that lm supports generation and returns a generator.
func New(lm LM, tok tokenizer.Tokenizer) (*Generator, error) {
	if err := lm.ValidateModelClass(); err != nil {
		return nil, errors.Wrap(err, "model cannot generate")
	}
	return &Generator{lm: lm, tok: tok}, nil
}

// Generate returns the completion of prompt.
func (g *Generator) Generate(ctx context.Context, prompt string, cfg Config) (string, error) {
	var out strings.Builder
	err := g.Stream(ctx, prompt, cfg, func(s Step) bool {
		out.WriteString(s.Token)
		return true
	})
	return out.String(), err
}

// Stream generates from prompt and calls fn with every token; fn returning
// false stops early.
func (g *Generator) Stream(ctx context.Context, prompt string, cfg Config, fn func(Step) bool) error {
	if err := g.lm.ValidateModelKwargs(cfg.Kwargs); err != nil {
		return err
	}
	tokens, err := g.tok.Encode(prompt)
	if err != nil {
		return errors.Wrap(err, "encoding prompt")
	}
	if len(tokens) == 0 {
		return errors.New("empty prompt")
	}
	sampler := NewSampler(cfg.Sampling)
	promptLen := len(tokens)
	var past any
	for step := 0; step < cfg.MaxTokens; step++ {
		in, err := g.lm.PrepareInputsForGeneration(idsTensor(tokens), past, cfg.Kwargs)
		if err != nil {
			return errors.Wrapf(err, "preparing step %d", step)
		}
		past = in.Past
		logits, err := g.lm.Forward(ctx, forwardArgs(in)...)
		if err != nil {
			return errors.Wrapf(err, "step %d", step)
		}
		row := lastRow(logits)
		if v := g.tok.VocabSize(); v < len(row) {
			// Ids past the tokenizer's vocabulary cannot be decoded.
			row = row[:v]
		}
		next := sampler.Sample(row, tokens)
		tokens = append(tokens, next)

		text, err := g.tok.Decode([]int32{next})
		if err != nil {
			return errors.Wrapf(err, "decoding token %d", next)
		}
		s := Step{Token: text, TokenID: next}
		switch {
		case next == g.tok.EosToken():
			s.Done, s.Reason = true, StopEOS
		case g.hitStopString(tokens[promptLen:], cfg.StopStrings):
			s.Done, s.Reason = true, StopStopString
		case step == cfg.MaxTokens-1:
			s.Done, s.Reason = true, StopMaxTokens
		}
		if !fn(s) || s.Done {
			klog.V(1).Infof("generate: %d tokens, stop %q", step+1, s.Reason)
			return nil
		}
	}
	return nil
}

func (g *Generator) hitStopString(generated []int32, stops []string) bool {
	if len(stops) == 0 {
		return false
	}
	text, err := g.tok.Decode(generated)
	if err != nil {
		return false
	}
	for _, s := range stops {
		if s != "" && strings.HasSuffix(text, s) {
			return true
		}
	}
	return false
}

// idsTensor lays tokens out as a [1, len] batch.
func idsTensor(tokens []int32) *tensor.Tensor {
	data := make([]float32, len(tokens))
	for i, t := range tokens {
		data[i] = float32(t)
	}
	t, err := tensor.FromSlice(data, tensor.Shape{1, len(tokens)})
	if err != nil {
		panic(err)
	}
	return t
}

// forwardArgs passes the prepared kwargs in a stable order.
func forwardArgs(in adapter.GenerationInputs) []any {
	args := []any{in.InputIDs}
	keys := make([]string, 0, len(in.Kwargs))
	for k := range in.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, executor.Named(k, in.Kwargs[k]))
	}
	return args
}
