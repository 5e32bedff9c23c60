// Package slicing is the rule engine that decides how a module is
// partitioned.
//
// For every leaf operator of a module tree the engine records how each
// parameter is sliced (split along an axis, replicated, or passed through a
// custom transform), how the operator's output is recombined (concat, sum,
// select-one or custom) and which activation layout the operator consumes and
// produces. Resolve turns a Config into a Plan and rejects configurations
// whose layouts do not line up between consecutive operators.
//
// Rules are selected by operator Kind through a Registry. Unregistered kinds
// fall back to full replication.
package slicing

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// ActionKind enumerates parameter slicing actions.
type ActionKind uint8

const (
	// ActionReplicate copies the full tensor to every shard.
	ActionReplicate ActionKind = iota
	// ActionSplit gives shard i the i-th 1/n of the tensor along an axis.
	ActionSplit
	// ActionCustom runs a Transform to produce each shard's tensor.
	ActionCustom
)

// TransformFunc produces shard index's tensor from the full parameter.
// It must not modify t.
type TransformFunc func(t *tensor.Tensor, index, numParts int) (*tensor.Tensor, error)

// Transform is a named custom slicing transform.
type Transform struct {
	Name string
	Fn   TransformFunc
	// Grad recombines the per-shard gradients of the transformed parameter
	// into the gradient of the full parameter.
	Grad CombineAction
}

// Action is a parameter slicing action.
type Action struct {
	Kind      ActionKind
	Axis      int
	Transform *Transform
}

// Split returns the action splitting a parameter along axis.
func Split(axis int) Action { return Action{Kind: ActionSplit, Axis: axis} }

// Replicate returns the action copying a parameter to every shard.
func Replicate() Action { return Action{Kind: ActionReplicate} }

// Custom returns the action running t for every shard.
func Custom(t *Transform) Action { return Action{Kind: ActionCustom, Transform: t} }

func (a Action) String() string {
	switch a.Kind {
	case ActionSplit:
		return fmt.Sprintf("split(%d)", a.Axis)
	case ActionCustom:
		if a.Transform == nil {
			return "custom(<nil>)"
		}
		return "custom(" + a.Transform.Name + ")"
	default:
		return "replicate"
	}
}

// Equal compares actions; custom actions are equal when their transforms
// have the same name.
func (a Action) Equal(b Action) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ActionSplit:
		return a.Axis == b.Axis
	case ActionCustom:
		return a.Transform != nil && b.Transform != nil && a.Transform.Name == b.Transform.Name
	default:
		return true
	}
}

// GradCombine returns how per-shard gradients of a parameter sliced with a
// recombine into the full gradient. dataParallel selects summation for
// replicated parameters, whose shards then see different batch rows.
func (a Action) GradCombine(dataParallel bool) CombineAction {
	switch a.Kind {
	case ActionSplit:
		return Concat(a.Axis)
	case ActionCustom:
		return a.Transform.Grad
	default:
		if dataParallel {
			return Sum()
		}
		return SelectOne(0)
	}
}

// Apply produces shard index's tensor for parameter t.
func (a Action) Apply(t *tensor.Tensor, index, numParts int, policy SplitPolicy) (*tensor.Tensor, error) {
	switch a.Kind {
	case ActionReplicate:
		return t.Clone(), nil
	case ActionSplit:
		if !tensor.Divisible(t.Shape(), a.Axis, numParts) {
			return nil, errors.Errorf("axis %d of %v does not split into %d parts", a.Axis, t.Shape(), numParts)
		}
		return policy.Slice(t, index, numParts, a.Axis), nil
	case ActionCustom:
		if a.Transform == nil || a.Transform.Fn == nil {
			return nil, errors.New("custom action without a transform")
		}
		out, err := a.Transform.Fn(t, index, numParts)
		if err != nil {
			return nil, errors.Wrapf(err, "transform %q", a.Transform.Name)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unknown action kind %d", a.Kind)
	}
}

// ScaleTransform divides a replicated tensor by the number of parts. It is
// used for the bias of a row-parallel layer, whose per-shard outputs are
// summed: each shard adds bias/n so the sum adds the bias exactly once.
var ScaleTransform = &Transform{
	Name: "scale",
	Fn: func(t *tensor.Tensor, _, numParts int) (*tensor.Tensor, error) {
		if numParts == 1 {
			return t.Clone(), nil
		}
		return tensor.Scale(t, 1/float32(numParts)), nil
	},
	Grad: Mean(),
}

var (
	transformsMu sync.RWMutex
	transforms   = map[string]*Transform{ScaleTransform.Name: ScaleTransform}
)

// RegisterTransform makes t available by name to configs loaded from YAML.
func RegisterTransform(t *Transform) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms[t.Name] = t
}

// LookupTransform returns the transform registered under name.
func LookupTransform(name string) (*Transform, bool) {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	t, ok := transforms[name]
	return t, ok
}

// ShardOffset overrides an integer module attribute per shard with
// index * (size of Param along Axis in the shard), the position of the
// shard's slice in the full axis.
type ShardOffset struct {
	Param string
	Axis  int
}
