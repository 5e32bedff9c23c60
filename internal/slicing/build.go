package slicing

import (
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// BuildOptions tune automatic rule inference.
type BuildOptions struct {
	Registry  *Registry
	Embedding EmbeddingStrategy
	Policy    SplitPolicy
}

// BuildOption configures BuildConfig.
type BuildOption func(*BuildOptions)

// WithRegistry infers rules from reg instead of DefaultRegistry.
func WithRegistry(reg *Registry) BuildOption {
	return func(o *BuildOptions) { o.Registry = reg }
}

// WithEmbeddingStrategy selects how embedding tables are split.
func WithEmbeddingStrategy(s EmbeddingStrategy) BuildOption {
	return func(o *BuildOptions) { o.Embedding = s }
}

// WithPolicy sets the split policy recorded in the config.
func WithPolicy(p SplitPolicy) BuildOption {
	return func(o *BuildOptions) { o.Policy = p }
}

// BuildConfig infers a Config for root split into numParts.
//
// Operators are visited in execution order while tracking the activation
// layout between them, so the rule of each operator can adapt to what its
// producer emits (column then row parallel linear layers, for example).
// Operators of unregistered kinds are replicated.
//
// A split axis that does not divide by numParts fails with a ConfigError
// naming the parameter and its shape.
func BuildConfig(root nn.Module, numParts int, opts ...BuildOption) (*Config, error) {
	if numParts < 1 {
		return nil, tperr.Configf("num_parts must be positive, got %d", numParts)
	}
	o := BuildOptions{Registry: DefaultRegistry}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{
		NumParts:  numParts,
		Policy:    o.Policy,
		Registry:  o.Registry,
		Automatic: true,
	}

	cur := Full()
	prev := "<input>"
	var prevOutput CombineAction
	for _, leaf := range nn.Leaves(root) {
		kind := leaf.Module.Kind()
		spec, known := o.Registry.Lookup(kind)

		var rule Rule
		if known && spec.Rule != nil {
			r, err := spec.Rule(RuleContext{
				Path:     leaf.Path,
				Module:   leaf.Module,
				Incoming: cur,
				NumParts: numParts,
				Options:  o,
			})
			if err != nil {
				return nil, err
			}
			rule = r
		} else {
			klog.V(1).Infof("slicing: operator %q of unregistered kind %q is replicated", displayPath(leaf.Path), kind)
			rule = o.Registry.fallback(kind)
			rule.Input = gatherUnlessFull(cur)
			if spec.Elementwise && cur.Kind != LayoutPartial {
				rule.Input = InputAction{}
			}
		}
		rule.Pattern = leaf.Path
		rule.Kind = kind

		step, err := flowStep(prev, leaf.Path, cur, prevOutput, &rule)
		if err != nil {
			return nil, err
		}
		cfg.Rules = append(cfg.Rules, rule)
		cur, prevOutput, prev = step.Produces, step.Output, displayPath(leaf.Path)
	}

	if _, err := Resolve(root, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
