package slicing

import (
	"fmt"
)

// LayoutKind enumerates activation layouts across shards.
type LayoutKind uint8

const (
	// LayoutFull means every shard holds the complete activation.
	LayoutFull LayoutKind = iota
	// LayoutSharded means shard i holds the i-th slice along an axis.
	LayoutSharded
	// LayoutPartial means the activation is the element-wise sum of the
	// shards' tensors.
	LayoutPartial
	// LayoutAny is only valid as a consumed layout: the operator is
	// element-wise and accepts Full or Sharded inputs.
	LayoutAny
	// LayoutSame is only valid as a produced layout: the output has the
	// layout the operator consumed.
	LayoutSame
)

// Layout describes how an activation is distributed over shards.
type Layout struct {
	Kind LayoutKind
	Axis int
}

// Full is the replicated layout.
func Full() Layout { return Layout{Kind: LayoutFull} }

// Sharded is the layout split along axis.
func Sharded(axis int) Layout { return Layout{Kind: LayoutSharded, Axis: axis} }

// Partial is the partial-sum layout.
func Partial() Layout { return Layout{Kind: LayoutPartial} }

// Any is the element-wise consumed layout.
func Any() Layout { return Layout{Kind: LayoutAny} }

// Same is the pass-through produced layout.
func Same() Layout { return Layout{Kind: LayoutSame} }

// Equal compares layouts.
func (l Layout) Equal(o Layout) bool {
	if l.Kind != o.Kind {
		return false
	}
	return l.Kind != LayoutSharded || l.Axis == o.Axis
}

func (l Layout) String() string {
	switch l.Kind {
	case LayoutSharded:
		return fmt.Sprintf("sharded(%d)", l.Axis)
	case LayoutPartial:
		return "partial"
	case LayoutAny:
		return "any"
	case LayoutSame:
		return "same"
	default:
		return "full"
	}
}

// Combine returns the default action that turns l into a full tensor.
func (l Layout) Combine() CombineAction {
	switch l.Kind {
	case LayoutSharded:
		return Concat(l.Axis)
	case LayoutPartial:
		return Sum()
	default:
		return SelectOne(0)
	}
}

// accepts reports whether combine c turns layout l into a full tensor.
func (l Layout) accepts(c CombineAction, dataParallel bool) bool {
	if c.Kind == CombineCustom {
		return true
	}
	switch l.Kind {
	case LayoutSharded:
		return c.Kind == CombineConcat && c.Axis == l.Axis
	case LayoutPartial:
		return c.Kind == CombineSum
	default:
		if dataParallel {
			return c.Kind == CombineConcat && c.Axis == 0
		}
		return c.Kind == CombineSelectOne || c.Kind == CombineNone
	}
}

// InputKind enumerates redistribution applied to an operator's input.
type InputKind uint8

const (
	// InputNone feeds the incoming activation unchanged.
	InputNone InputKind = iota
	// InputScatter narrows a Full activation to the shard's slice along an
	// axis. It needs no communication.
	InputScatter
	// InputGather makes a Sharded or Partial activation Full using the
	// producer's output combine.
	InputGather
)

// InputAction redistributes an operator's input before it runs.
type InputAction struct {
	Kind InputKind
	Axis int
}

// Scatter narrows a Full input to the shard's slice along axis.
func Scatter(axis int) InputAction { return InputAction{Kind: InputScatter, Axis: axis} }

// Gather recombines the input into a Full tensor.
func Gather() InputAction { return InputAction{Kind: InputGather} }

func (a InputAction) String() string {
	switch a.Kind {
	case InputScatter:
		return fmt.Sprintf("scatter(%d)", a.Axis)
	case InputGather:
		return "gather"
	default:
		return "none"
	}
}

// CollectiveKind enumerates the communication a step performs on its input.
type CollectiveKind uint8

const (
	// CollectiveNone passes the input through.
	CollectiveNone CollectiveKind = iota
	// CollectiveScatter narrows locally; its backward is an all-gather.
	CollectiveScatter
	// CollectiveAllGather gathers slices; its backward keeps the own slice.
	CollectiveAllGather
	// CollectiveAllReduce sums partial tensors; its backward is the identity.
	CollectiveAllReduce
)

// Collective is the resolved input redistribution of a plan step.
type Collective struct {
	Kind CollectiveKind
	Axis int
	// Combine merges gathered parts for CollectiveAllGather (and for a
	// custom reduction of partial tensors).
	Combine CombineAction
}

func (c Collective) String() string {
	switch c.Kind {
	case CollectiveScatter:
		return fmt.Sprintf("scatter(%d)", c.Axis)
	case CollectiveAllGather:
		return "all-gather/" + c.Combine.String()
	case CollectiveAllReduce:
		return "all-reduce"
	default:
		return "-"
	}
}
