// Package modelspec builds modules from YAML model descriptions.
//
// A description names the model, carries its configuration record and lists
// its layers in order:
//
//	name: tiny-lm
//	architecture: causal-lm
//	vocab_size: 32
//	context_len: 8
//	seed: 1
//	layers:
//	  - {name: embed, type: embedding, in: 32, out: 16}
//	  - {type: layernorm, size: 16}
//	  - {name: up, type: linear, in: 16, out: 64}
//	  - {type: gelu}
//	  - {name: down, type: linear, in: 64, out: 16}
//	  - {name: head, type: linear, in: 16, out: 32}
//
// Weights are drawn from the seeded generator, so one description always
// yields the same model.
package modelspec

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/tensorparallel/internal/adapter"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// ArchCausalLM is the architecture of token-in, logits-out models that
// support generation.
const ArchCausalLM = "causal-lm"

// Config is the configuration record of a model.
type Config struct {
	Name         string  `yaml:"name"`
	Architecture string  `yaml:"architecture,omitempty"`
	VocabSize    int     `yaml:"vocab_size,omitempty"`
	ContextLen   int     `yaml:"context_len,omitempty"`
	Seed         int64   `yaml:"seed,omitempty"`
	Layers       []Layer `yaml:"layers"`
}

// Layer describes one operator.
type Layer struct {
	Name    string  `yaml:"name,omitempty"`
	Type    string  `yaml:"type"`
	In      int     `yaml:"in,omitempty"`
	Out     int     `yaml:"out,omitempty"`
	Size    int     `yaml:"size,omitempty"`
	Bias    *bool   `yaml:"bias,omitempty"`
	Eps     float32 `yaml:"eps,omitempty"`
	Kernel  int     `yaml:"kernel,omitempty"`
	Stride  int     `yaml:"stride,omitempty"`
	Padding int     `yaml:"padding,omitempty"`
}

// Model is a sequential module with its configuration record.
type Model struct {
	*nn.Sequential
	config Config
}

var (
	_ adapter.Configured      = (*Model)(nil)
	_ adapter.InputPreparer   = (*Model)(nil)
	_ adapter.KwargsValidator = (*Model)(nil)
	_ adapter.ClassValidator  = (*Model)(nil)
	_ adapter.CacheReorderer  = (*Model)(nil)
)

// Load parses a YAML description and builds the model.
func Load(r io.Reader) (*Model, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "parsing model description")
	}
	return Build(cfg)
}

// LoadFile reads and builds the model described in path.
func LoadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model description %s", path)
	}
	m, err := Load(bytes.NewReader(data))
	return m, errors.Wrapf(err, "model description %s", path)
}

// Build creates the model described by cfg.
func Build(cfg Config) (*Model, error) {
	if len(cfg.Layers) == 0 {
		return nil, errors.Errorf("model %q has no layers", cfg.Name)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	seq := nn.NewSequential()
	seen := make(map[string]bool)
	for i, l := range cfg.Layers {
		m, err := l.build(rng)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if l.Name == "" {
			seq.Add(m)
			continue
		}
		if _, numeric := strconv.Atoi(l.Name); numeric == nil || seen[l.Name] || strings.Contains(l.Name, ".") {
			return nil, errors.Errorf("layer %d: name %q is numeric, duplicated or dotted", i, l.Name)
		}
		seen[l.Name] = true
		seq.AddNamed(l.Name, m)
	}
	return &Model{Sequential: seq, config: cfg}, nil
}

func (l Layer) build(rng *rand.Rand) (nn.Module, error) {
	bias := l.Bias == nil || *l.Bias
	need := func(vals ...int) error {
		for _, v := range vals {
			if v <= 0 {
				return errors.Errorf("%s layer needs positive sizes, got %+v", l.Type, l)
			}
		}
		return nil
	}
	switch strings.ToLower(l.Type) {
	case "linear":
		if err := need(l.In, l.Out); err != nil {
			return nil, err
		}
		return nn.NewLinear(l.In, l.Out, bias, rng), nil
	case "embedding":
		if err := need(l.In, l.Out); err != nil {
			return nil, err
		}
		return nn.NewEmbedding(l.In, l.Out, rng), nil
	case "layernorm":
		if err := need(l.Size); err != nil {
			return nil, err
		}
		eps := l.Eps
		if eps == 0 {
			eps = 1e-5
		}
		return nn.NewLayerNorm(l.Size, eps), nil
	case "conv2d":
		if err := need(l.In, l.Out, l.Kernel); err != nil {
			return nil, err
		}
		stride := l.Stride
		if stride == 0 {
			stride = 1
		}
		return nn.NewConv2D(l.In, l.Out, l.Kernel, l.Kernel, stride, l.Padding, bias, rng), nil
	case "relu":
		return nn.NewReLU(), nil
	case "gelu":
		return nn.NewGELU(), nil
	default:
		return nil, errors.Errorf("unknown layer type %q", l.Type)
	}
}

// ModelConfig returns a copy of the configuration record.
func (m *Model) ModelConfig() any {
	cfg := m.config
	cfg.Layers = append([]Layer(nil), m.config.Layers...)
	return cfg
}

// Config returns the configuration record.
func (m *Model) Config() Config { return m.ModelConfig().(Config) }

// CloneStructure copies the model without parameter data.
func (m *Model) CloneStructure() nn.Module {
	return &Model{Sequential: m.Sequential.CloneStructure().(*nn.Sequential), config: m.config}
}

// ValidateModelClass checks that the model maps token ids to logits over
// its vocabulary.
func (m *Model) ValidateModelClass() error {
	if m.config.Architecture != ArchCausalLM {
		return errors.Errorf("model %q has architecture %q; generation needs %q", m.config.Name, m.config.Architecture, ArchCausalLM)
	}
	leaves := nn.Leaves(m)
	if _, ok := leaves[0].Module.(*nn.Embedding); !ok {
		return errors.Errorf("model %q does not start with an embedding", m.config.Name)
	}
	head, ok := leaves[len(leaves)-1].Module.(*nn.Linear)
	if !ok || head.OutFeatures() != m.config.VocabSize {
		return errors.Errorf("model %q does not end with a linear head over %d tokens", m.config.Name, m.config.VocabSize)
	}
	return nil
}

// ValidateModelKwargs rejects every generation argument: the model reads
// only token ids.
func (m *Model) ValidateModelKwargs(kwargs map[string]any) error {
	if len(kwargs) == 0 {
		return nil
	}
	unused := make([]string, 0, len(kwargs))
	for k := range kwargs {
		unused = append(unused, k)
	}
	sort.Strings(unused)
	return errors.Errorf("model %q does not use the arguments %v", m.config.Name, unused)
}

// maxHistory bounds the token history a past state may hold.
const maxHistory = 1 << 16

// PrepareInputsForGeneration appends the tokens of ids ([batch, seq]) that
// past has not seen to a copy of past, and returns the last context_len
// tokens of the history as the next input. The past state is a keys-only
// *nn.KVCache holding the token ids.
func (m *Model) PrepareInputsForGeneration(ids *tensor.Tensor, past any, kwargs map[string]any) (adapter.GenerationInputs, error) {
	if ids == nil || ids.Rank() != 2 {
		return adapter.GenerationInputs{}, errors.Errorf("input ids must be [batch, seq]")
	}
	var history *nn.KVCache
	switch p := past.(type) {
	case nil:
		history = nn.NewKVCache(1, maxHistory, 1)
	case *nn.KVCache:
		history = p.Clone()
	default:
		return adapter.GenerationInputs{}, errors.Errorf("past state is %T, want *nn.KVCache", past)
	}
	seen := history.Len()
	if seen > 0 {
		if prev, _ := history.Get(0); prev.Shape()[0] != ids.Shape()[0] {
			return adapter.GenerationInputs{}, errors.Errorf("past state holds %d rows, ids have %d", prev.Shape()[0], ids.Shape()[0])
		}
	}
	if seq := ids.Shape()[1]; seq > seen {
		fresh := tensor.Narrow(ids, 1, seen, seq-seen)
		history.Update(0, fresh, nil)
	}
	if history.Len() == 0 {
		return adapter.GenerationInputs{}, errors.New("no tokens to generate from")
	}
	window, _ := history.Get(0)
	if n := m.config.ContextLen; n > 0 && window.Shape()[1] > n {
		window = tensor.Narrow(window, 1, window.Shape()[1]-n, n)
	}
	return adapter.GenerationInputs{InputIDs: window, Past: history, Kwargs: kwargs}, nil
}

// ReorderCache returns a copy of past with its rows selected by beamIdx.
func (m *Model) ReorderCache(past any, beamIdx []int) (any, error) {
	history, ok := past.(*nn.KVCache)
	if !ok {
		return nil, errors.Errorf("past state is %T, want *nn.KVCache", past)
	}
	out := history.Clone()
	if err := out.Reorder(beamIdx); err != nil {
		return nil, err
	}
	return out, nil
}
