package slicing

import (
	"fmt"
	"strconv"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Config is the complete slicing description of one module.
//
// A Config is either produced by BuildConfig or written by hand (or loaded
// from YAML). A hand-written Config bypasses rule inference: operators no
// rule matches are replicated.
type Config struct {
	NumParts int
	Policy   SplitPolicy
	Rules    []Rule
	// Output overrides the module-level output combine. Nil derives it from
	// the layout of the last operator.
	Output *CombineAction
	// Inputs assigns roles to forward arguments, keyed by ArgKey(i) for
	// positional arguments and by name for keyword arguments.
	Inputs map[string]InputRole
	// Registry supplies operator semantics (element-wise or not) for
	// operators no rule matches. Nil means DefaultRegistry.
	Registry *Registry
	// Automatic is set on configs produced by BuildConfig.
	Automatic bool
}

// RoleKind enumerates how a forward argument reaches the shards.
type RoleKind uint8

const (
	// RoleAuto picks the default: tensors are split on the batch axis in a
	// data-parallel plan and replicated otherwise; other values are
	// replicated.
	RoleAuto RoleKind = iota
	// RoleReplicate hands every shard the same value.
	RoleReplicate
	// RoleSplitBatch splits a tensor along Axis.
	RoleSplitBatch
	// RoleCustom runs Fn per shard.
	RoleCustom
)

// InputRole is the sharding role of one forward argument.
type InputRole struct {
	Kind RoleKind
	Axis int
	Name string
	Fn   func(v any, index, numParts int) (any, error)
}

// ReplicateRole hands every shard the same value.
func ReplicateRole() InputRole { return InputRole{Kind: RoleReplicate} }

// SplitBatchRole splits a tensor argument along axis.
func SplitBatchRole(axis int) InputRole { return InputRole{Kind: RoleSplitBatch, Axis: axis} }

// CustomRole runs fn to produce each shard's argument.
func CustomRole(name string, fn func(v any, index, numParts int) (any, error)) InputRole {
	return InputRole{Kind: RoleCustom, Name: name, Fn: fn}
}

func (r InputRole) String() string {
	switch r.Kind {
	case RoleReplicate:
		return "replicate"
	case RoleSplitBatch:
		return fmt.Sprintf("split(%d)", r.Axis)
	case RoleCustom:
		return "custom(" + r.Name + ")"
	default:
		return "auto"
	}
}

// ArgKey is the Inputs key of positional argument i.
func ArgKey(i int) string { return strconv.Itoa(i) }

// Step is one operator of a resolved plan, in execution order.
type Step struct {
	Path    string
	Kind    nn.Kind
	Pattern string // pattern of the matching rule, "" for the fallback

	Incoming Layout
	Input    Collective
	Consumes Layout
	Produces Layout
	Output   CombineAction
	Attrs    map[string]ShardOffset

	// PartialInputGrad is set when the operator consumes a full activation
	// but produces a distributed one: each shard then holds only a partial
	// sum of the input gradient.
	PartialInputGrad bool
}

// ParamPlan is the resolved slicing of one parameter.
type ParamPlan struct {
	Path   string // dotted path, "fc1.weight"
	Leaf   string // operator path, "fc1"
	Name   string // local name, "weight"
	Shape  tensor.Shape
	Action Action
	Grad   CombineAction
}

// Plan is a validated Config bound to a concrete module.
type Plan struct {
	NumParts     int
	Policy       SplitPolicy
	Steps        []Step
	Params       []ParamPlan
	Output       CombineAction
	OutputLayout Layout
	// DataParallel is set when nothing is sliced: shards then split the
	// batch and replicated gradients are summed.
	DataParallel bool
	Inputs       map[string]InputRole
	Automatic    bool

	byPath map[string]int
}

// Param returns the plan of the parameter at path.
func (p *Plan) Param(path string) (ParamPlan, bool) {
	i, ok := p.byPath[path]
	if !ok {
		return ParamPlan{}, false
	}
	return p.Params[i], true
}

// Role returns the role of the forward argument key holding v.
func (p *Plan) Role(key string, v any) InputRole {
	if r, ok := p.Inputs[key]; ok && r.Kind != RoleAuto {
		return r
	}
	if _, isTensor := v.(*tensor.Tensor); isTensor && p.DataParallel {
		return SplitBatchRole(0)
	}
	return ReplicateRole()
}

// Resolve validates cfg against root and binds it into a Plan.
//
// It fails with a ConfigError when the part count is not positive, a rule
// names a parameter or attribute the operator does not have, an axis is out
// of range, two rules match one operator ambiguously, or two consecutive
// operators disagree on the activation layout between them.
func Resolve(root nn.Module, cfg *Config) (*Plan, error) {
	if cfg == nil {
		return nil, tperr.Configf("nil config")
	}
	if cfg.NumParts < 1 {
		return nil, tperr.Configf("num_parts must be positive, got %d", cfg.NumParts)
	}
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry
	}

	plan := &Plan{
		NumParts:  cfg.NumParts,
		Policy:    cfg.Policy,
		Inputs:    cfg.Inputs,
		Automatic: cfg.Automatic,
		byPath:    make(map[string]int),
	}

	cur := Full()
	prev := "<input>"
	var prevOutput CombineAction
	sliced := false
	for _, leaf := range nn.Leaves(root) {
		kind := leaf.Module.Kind()
		rule, err := selectRule(cfg.Rules, leaf.Path, kind)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			fb := reg.fallback(kind)
			rule = &fb
		}
		if err := checkRuleParams(leaf, rule); err != nil {
			return nil, err
		}
		if len(rule.Attrs) > 0 && cfg.Policy == Strided {
			return nil, &tperr.ConfigError{
				Operators: []string{displayPath(leaf.Path)},
				Reason:    "attribute offsets need contiguous slices; the strided policy interleaves them",
			}
		}
		step, err := flowStep(prev, leaf.Path, cur, prevOutput, rule)
		if err != nil {
			return nil, err
		}
		step.Kind = kind
		plan.Steps = append(plan.Steps, step)

		for _, p := range leaf.Module.Parameters() {
			a := rule.Action(p.Name())
			if a.Kind != ActionReplicate {
				sliced = true
			}
			full := nn.JoinPath(leaf.Path, p.Name())
			plan.byPath[full] = len(plan.Params)
			plan.Params = append(plan.Params, ParamPlan{
				Path:   full,
				Leaf:   leaf.Path,
				Name:   p.Name(),
				Shape:  p.Shape().Clone(),
				Action: a,
			})
		}
		cur = step.Produces
		prevOutput = step.Output
		prev = displayPath(leaf.Path)
	}
	if len(plan.Steps) == 0 {
		return nil, tperr.Configf("module has no operators")
	}

	plan.OutputLayout = cur
	plan.DataParallel = !sliced && cur.Kind == LayoutFull
	for _, s := range plan.Steps {
		if s.Produces.Kind != LayoutFull {
			plan.DataParallel = false
		}
	}
	for i := range plan.Params {
		plan.Params[i].Grad = plan.Params[i].Action.GradCombine(plan.DataParallel)
	}

	switch {
	case cfg.Output != nil:
		if !cur.accepts(*cfg.Output, plan.DataParallel) {
			return nil, &tperr.ConfigError{
				Operators: []string{prev},
				Reason:    fmt.Sprintf("module output combine %v cannot recombine final layout %v", *cfg.Output, cur),
			}
		}
		plan.Output = *cfg.Output
	case plan.DataParallel:
		plan.Output = Concat(0)
	default:
		plan.Output = cur.Combine()
	}

	if !plan.DataParallel {
		for key, role := range cfg.Inputs {
			if role.Kind == RoleSplitBatch {
				return nil, tperr.Configf("input %q: batch-split role is only valid when no parameter is sliced", key)
			}
		}
	}
	return plan, nil
}

// flowStep applies rule to the incoming layout cur and returns the step.
// prevOutput is the output combine of the producing operator.
func flowStep(prev, opPath string, cur Layout, prevOutput CombineAction, rule *Rule) (Step, error) {
	here := displayPath(opPath)
	mismatch := func(format string, args ...any) error {
		return &tperr.ConfigError{Operators: []string{prev, here}, Reason: fmt.Sprintf(format, args...)}
	}

	step := Step{Path: opPath, Pattern: rule.Pattern, Incoming: cur, Attrs: rule.Attrs}
	in := cur
	switch rule.Input.Kind {
	case InputScatter:
		if cur.Kind != LayoutFull {
			return step, mismatch("scatter(%d) needs a full input, got %v", rule.Input.Axis, cur)
		}
		step.Input = Collective{Kind: CollectiveScatter, Axis: rule.Input.Axis}
		in = Sharded(rule.Input.Axis)
	case InputGather:
		switch cur.Kind {
		case LayoutSharded:
			if prevOutput.Kind != CombineConcat || prevOutput.Axis != cur.Axis {
				return step, mismatch("gather of %v needs concat(%d), producer declares %v", cur, cur.Axis, prevOutput)
			}
			step.Input = Collective{Kind: CollectiveAllGather, Axis: cur.Axis, Combine: prevOutput}
		case LayoutPartial:
			if prevOutput.Kind != CombineSum {
				return step, mismatch("gather of a partial sum needs sum, producer declares %v", prevOutput)
			}
			step.Input = Collective{Kind: CollectiveAllReduce, Combine: prevOutput}
		}
		in = Full()
	}

	switch rule.Consumes.Kind {
	case LayoutAny:
		if in.Kind == LayoutPartial {
			return step, mismatch("element-wise operator cannot consume a partial sum; combine it first")
		}
		step.Consumes = in
	case LayoutSame:
		return step, mismatch("'same' is not a consumable layout")
	default:
		if !rule.Consumes.Equal(in) {
			return step, mismatch("producer layout %v does not match consumer layout %v", in, rule.Consumes)
		}
		step.Consumes = rule.Consumes
	}

	switch rule.Produces.Kind {
	case LayoutSame:
		step.Produces = step.Consumes
	case LayoutAny:
		return step, mismatch("'any' is not a producible layout")
	default:
		step.Produces = rule.Produces
	}

	if rule.Output != nil {
		if !step.Produces.accepts(*rule.Output, false) {
			return step, mismatch("output combine %v cannot recombine layout %v", *rule.Output, step.Produces)
		}
		step.Output = *rule.Output
	} else {
		step.Output = step.Produces.Combine()
	}
	step.PartialInputGrad = step.Consumes.Kind == LayoutFull && step.Produces.Kind != LayoutFull
	return step, nil
}

// checkRuleParams verifies that every parameter and attribute a rule names
// exists and that split axes are in range.
func checkRuleParams(leaf nn.Leaf, rule *Rule) error {
	shapes := make(map[string]tensor.Shape)
	for _, p := range leaf.Module.Parameters() {
		shapes[p.Name()] = p.Shape()
	}
	for name, a := range rule.Params {
		full := nn.JoinPath(leaf.Path, name)
		shape, ok := shapes[name]
		if !ok {
			return tperr.ParamConfigf(full, nil, "rule %q names a parameter operator %q does not have", rule.Pattern, displayPath(leaf.Path))
		}
		switch a.Kind {
		case ActionSplit:
			if _, err := shape.NormalizeAxis(a.Axis); err != nil {
				return tperr.ParamConfigf(full, shape, "split axis %d out of range", a.Axis)
			}
		case ActionCustom:
			if a.Transform == nil || a.Transform.Fn == nil {
				return tperr.ParamConfigf(full, shape, "custom action without a transform")
			}
		}
	}
	if len(rule.Attrs) > 0 {
		attr, ok := leaf.Module.(nn.Attributed)
		if !ok {
			return &tperr.ConfigError{Operators: []string{displayPath(leaf.Path)}, Reason: "operator has no attributes to override"}
		}
		for name, off := range rule.Attrs {
			if _, ok := attr.Attr(name); !ok {
				return &tperr.ConfigError{Operators: []string{displayPath(leaf.Path)}, Reason: fmt.Sprintf("unknown attribute %q", name)}
			}
			shape, ok := shapes[off.Param]
			if !ok {
				return tperr.ParamConfigf(nn.JoinPath(leaf.Path, off.Param), nil, "attribute %q refers to a missing parameter", name)
			}
			if _, err := shape.NormalizeAxis(off.Axis); err != nil {
				return tperr.ParamConfigf(nn.JoinPath(leaf.Path, off.Param), shape, "attribute %q axis %d out of range", name, off.Axis)
			}
		}
	}
	return nil
}
