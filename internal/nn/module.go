// Package nn implements the module tree that the partitioning engine slices.
//
// This package provides:
//   - Module interface: forward, explicit backward, parameters, kind tag
//   - Parameter: named trainable tensors with gradient accumulation
//   - Leaf operators: Linear, Embedding, LayerNorm, Conv2D, ReLU, GELU
//   - Sequential: named container, the only composite the engine descends into
//   - Walk/Leaves/NamedParameters: dotted-path traversal ("0.weight", "encoder.1.bias")
//
// Modules are not safe for concurrent use: Forward caches what Backward
// needs. The executor gives every shard its own module tree, so each tree has
// exactly one goroutine driving it.
package nn

import (
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Kind tags an operator type. The slicing rule registry is keyed by Kind, so
// rule selection never inspects Go types.
type Kind string

// Built-in operator kinds. Any other Kind is valid and is treated as unknown
// (fully replicated) unless a rule is registered for it.
const (
	KindLinear     Kind = "linear"
	KindEmbedding  Kind = "embedding"
	KindConv2D     Kind = "conv2d"
	KindLayerNorm  Kind = "layernorm"
	KindReLU       Kind = "relu"
	KindGELU       Kind = "gelu"
	KindSequential Kind = "sequential"
)

// Module is the base interface for all neural network components.
//
// Forward computes the output from the input and remembers what Backward
// needs. Backward takes the gradient of the loss with respect to the last
// output, accumulates parameter gradients and returns the gradient with
// respect to the last input (nil when the input is not differentiable, as for
// embedding ids).
type Module interface {
	Kind() Kind
	Forward(input *tensor.Tensor) *tensor.Tensor
	Backward(gradOutput *tensor.Tensor) *tensor.Tensor
	Parameters() []*Parameter

	// CloneStructure returns a copy of the module with the same
	// configuration whose parameters are empty placeholders carrying only
	// their names and shapes.
	CloneStructure() Module
}

// Container is a Module with named children.
type Container interface {
	Module
	Children() []Child
	SetChild(i int, m Module)
}

// Child is a named entry of a Container.
type Child struct {
	Name   string
	Module Module
}

// Attributed is implemented by modules with integer attributes that shards
// may need to override (for example the vocabulary offset of a vocabulary
// split embedding).
type Attributed interface {
	Attr(name string) (int, bool)
	SetAttr(name string, value int) bool
}

// Leaf is an operator reached by Walk with its dotted path.
type Leaf struct {
	Path   string
	Module Module
}

// NamedParameter is a parameter with its dotted path ("0.weight").
type NamedParameter struct {
	Path      string
	Parameter *Parameter
}

// JoinPath joins dotted path components, skipping empty ones.
func JoinPath(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "." + name
	}
}

// Walk visits every module in depth-first order, parents before children.
// The root has the empty path.
func Walk(root Module, visit func(path string, m Module)) {
	walk("", root, visit)
}

func walk(path string, m Module, visit func(string, Module)) {
	visit(path, m)
	if c, ok := m.(Container); ok {
		for _, child := range c.Children() {
			walk(JoinPath(path, child.Name), child.Module, visit)
		}
	}
}

// Leaves returns the non-container modules in execution order.
func Leaves(root Module) []Leaf {
	var leaves []Leaf
	Walk(root, func(path string, m Module) {
		if _, ok := m.(Container); !ok {
			leaves = append(leaves, Leaf{Path: path, Module: m})
		}
	})
	return leaves
}

// NamedParameters returns every parameter of the tree with its dotted path,
// in execution order.
func NamedParameters(root Module) []NamedParameter {
	var params []NamedParameter
	for _, leaf := range Leaves(root) {
		for _, p := range leaf.Module.Parameters() {
			params = append(params, NamedParameter{Path: JoinPath(leaf.Path, p.Name()), Parameter: p})
		}
	}
	return params
}

// ReplaceLeaf swaps the leaf at path for m. It reports false when no leaf
// has that path.
func ReplaceLeaf(root Module, path string, m Module) bool {
	replaced := false
	Walk(root, func(p string, node Module) {
		c, ok := node.(Container)
		if !ok || replaced {
			return
		}
		for i, child := range c.Children() {
			if JoinPath(p, child.Name) == path {
				c.SetChild(i, m)
				replaced = true
				return
			}
		}
	})
	return replaced
}

// ZeroGrad clears the gradients of every parameter in the tree.
func ZeroGrad(root Module) {
	for _, np := range NamedParameters(root) {
		np.Parameter.ZeroGrad()
	}
}

// Clone returns a deep copy of root: same structure, copied parameters.
func Clone(root Module) Module {
	clone := root.CloneStructure()
	dst := NamedParameters(clone)
	for i, np := range NamedParameters(root) {
		if t := np.Parameter.Tensor(); t != nil {
			dst[i].Parameter.SetTensor(t.Clone())
		}
		dst[i].Parameter.SetTrainable(np.Parameter.Trainable())
	}
	return clone
}

// HasTrainable reports whether any parameter of the tree is trainable.
func HasTrainable(root Module) bool {
	for _, np := range NamedParameters(root) {
		if np.Parameter.Trainable() {
			return true
		}
	}
	return false
}
