package slicing

import (
	"sort"
	"sync"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// RuleContext is what a RuleFunc sees when inferring a rule.
type RuleContext struct {
	Path     string
	Module   nn.Module
	Incoming Layout
	NumParts int
	Options  BuildOptions
}

// RuleFunc infers the rule of one operator.
type RuleFunc func(ctx RuleContext) (Rule, error)

// KindSpec is the registry record of an operator kind.
type KindSpec struct {
	// Elementwise operators accept Full or Sharded inputs and keep the
	// layout. It is used when no rule is inferred or configured.
	Elementwise bool
	// Rule infers the slicing of an operator. Nil replicates it.
	Rule RuleFunc
}

// Registry maps operator kinds to slicing records. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[nn.Kind]KindSpec
}

// DefaultRegistry holds the built-in kinds.
var DefaultRegistry = NewRegistry()

// NewRegistry returns a registry holding the built-in kinds: linear,
// embedding, conv2d, layernorm, relu and gelu.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[nn.Kind]KindSpec)}
	r.Register(nn.KindLinear, KindSpec{Rule: linearRule})
	r.Register(nn.KindEmbedding, KindSpec{Rule: embeddingRule})
	r.Register(nn.KindConv2D, KindSpec{Rule: conv2DRule})
	r.Register(nn.KindLayerNorm, KindSpec{Rule: replicatedRule})
	r.Register(nn.KindReLU, KindSpec{Elementwise: true, Rule: elementwiseRule})
	r.Register(nn.KindGELU, KindSpec{Elementwise: true, Rule: elementwiseRule})
	return r
}

// Register adds or replaces the record of kind.
func (r *Registry) Register(kind nn.Kind, spec KindSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = spec
}

// Lookup returns the record of kind.
func (r *Registry) Lookup(kind nn.Kind) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[kind]
	return spec, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []nn.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]nn.Kind, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// fallback is the rule of an operator nothing else covers: every parameter
// replicated, full input and output (or pass-through for element-wise
// kinds).
func (r *Registry) fallback(kind nn.Kind) Rule {
	spec, _ := r.Lookup(kind)
	if spec.Elementwise {
		return Rule{Consumes: Any(), Produces: Same()}
	}
	return Rule{Consumes: Full(), Produces: Full()}
}

// gatherUnlessFull returns the input action that makes incoming Full.
func gatherUnlessFull(incoming Layout) InputAction {
	if incoming.Kind == LayoutFull {
		return InputAction{}
	}
	return Gather()
}

func paramShape(m nn.Module, name string) (tensor.Shape, bool) {
	for _, p := range m.Parameters() {
		if p.Name() == name {
			return p.Shape(), true
		}
	}
	return nil, false
}

func hasParam(m nn.Module, name string) bool {
	_, ok := paramShape(m, name)
	return ok
}

// requireDivisible fails with a ConfigError when the axis of a parameter
// does not split into the number of parts. The error wraps the matching
// ShapeError.
func requireDivisible(ctx RuleContext, param string, axis int) error {
	shape, ok := paramShape(ctx.Module, param)
	if !ok {
		return tperr.ParamConfigf(nn.JoinPath(ctx.Path, param), nil, "operator of kind %s has no parameter %q", ctx.Module.Kind(), param)
	}
	if !tensor.Divisible(shape, axis, ctx.NumParts) {
		a, _ := shape.NormalizeAxis(axis)
		path := nn.JoinPath(ctx.Path, param)
		ce := tperr.ParamConfigf(path, shape,
			"axis %d of size %d is not divisible by num_parts %d", axis, shape[a], ctx.NumParts)
		ce.Err = tperr.NotDivisible(path, shape, axis, ctx.NumParts)
		return ce
	}
	return nil
}

// linearRule pairs consecutive linear layers: a layer fed a full activation
// is column parallel (weight [out, in] split on out, output sharded on the
// last axis), a layer fed that sharded activation is row parallel (weight
// split on in, bias scaled, output a partial sum).
func linearRule(ctx RuleContext) (Rule, error) {
	withBias := hasParam(ctx.Module, "bias")
	if ctx.Incoming.Equal(Sharded(-1)) {
		if err := requireDivisible(ctx, "weight", 1); err != nil {
			return Rule{}, err
		}
		params := map[string]Action{"weight": Split(1)}
		if withBias {
			params["bias"] = Custom(ScaleTransform)
		}
		out := Sum()
		return Rule{Params: params, Consumes: Sharded(-1), Produces: Partial(), Output: &out}, nil
	}

	if err := requireDivisible(ctx, "weight", 0); err != nil {
		return Rule{}, err
	}
	params := map[string]Action{"weight": Split(0)}
	if withBias {
		params["bias"] = Split(0)
	}
	out := Concat(-1)
	return Rule{
		Params:   params,
		Input:    gatherUnlessFull(ctx.Incoming),
		Consumes: Full(),
		Produces: Sharded(-1),
		Output:   &out,
	}, nil
}

// EmbeddingStrategy selects how embedding tables are split.
type EmbeddingStrategy uint8

const (
	// EmbedSplitDim splits the embedding dimension; outputs concatenate.
	EmbedSplitDim EmbeddingStrategy = iota
	// EmbedSplitVocab splits the vocabulary; ids outside a shard's window
	// produce zeros and outputs sum.
	EmbedSplitVocab
)

func (s EmbeddingStrategy) String() string {
	if s == EmbedSplitVocab {
		return "vocab"
	}
	return "dim"
}

func embeddingRule(ctx RuleContext) (Rule, error) {
	input := gatherUnlessFull(ctx.Incoming)
	if ctx.Options.Embedding == EmbedSplitVocab {
		if err := requireDivisible(ctx, "weight", 0); err != nil {
			return Rule{}, err
		}
		out := Sum()
		return Rule{
			Params:   map[string]Action{"weight": Split(0)},
			Attrs:    map[string]ShardOffset{nn.AttrVocabOffset: {Param: "weight", Axis: 0}},
			Input:    input,
			Consumes: Full(),
			Produces: Partial(),
			Output:   &out,
		}, nil
	}
	if err := requireDivisible(ctx, "weight", 1); err != nil {
		return Rule{}, err
	}
	out := Concat(-1)
	return Rule{
		Params:   map[string]Action{"weight": Split(1)},
		Input:    input,
		Consumes: Full(),
		Produces: Sharded(-1),
		Output:   &out,
	}, nil
}

// conv2DRule mirrors linearRule on the channel axis of NCHW activations.
func conv2DRule(ctx RuleContext) (Rule, error) {
	withBias := hasParam(ctx.Module, "bias")
	if ctx.Incoming.Equal(Sharded(1)) {
		if err := requireDivisible(ctx, "weight", 1); err != nil {
			return Rule{}, err
		}
		params := map[string]Action{"weight": Split(1)}
		if withBias {
			params["bias"] = Custom(ScaleTransform)
		}
		out := Sum()
		return Rule{Params: params, Consumes: Sharded(1), Produces: Partial(), Output: &out}, nil
	}
	if err := requireDivisible(ctx, "weight", 0); err != nil {
		return Rule{}, err
	}
	params := map[string]Action{"weight": Split(0)}
	if withBias {
		params["bias"] = Split(0)
	}
	out := Concat(1)
	return Rule{
		Params:   params,
		Input:    gatherUnlessFull(ctx.Incoming),
		Consumes: Full(),
		Produces: Sharded(1),
		Output:   &out,
	}, nil
}

func replicatedRule(ctx RuleContext) (Rule, error) {
	return Rule{Input: gatherUnlessFull(ctx.Incoming), Consumes: Full(), Produces: Full()}, nil
}

func elementwiseRule(ctx RuleContext) (Rule, error) {
	var input InputAction
	if ctx.Incoming.Kind == LayoutPartial {
		input = Gather()
	}
	return Rule{Input: input, Consumes: Any(), Produces: Same()}, nil
}
