package nn

import (
	"fmt"
	"strconv"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Sequential is a container module that chains multiple modules together.
//
// Each module's output becomes the next module's input, creating a
// sequential pipeline of transformations. Children are named by their index
// ("0", "1", ...) unless added with AddNamed.
//
// Example:
//
//	model := nn.NewSequential(
//	    nn.NewLinear(784, 128, true, rng),
//	    nn.NewReLU(),
//	    nn.NewLinear(128, 10, true, rng),
//	)
//
//	output := model.Forward(input)
//
// This is equivalent to:
//
//	h1 := linear1.Forward(input)
//	h2 := relu.Forward(h1)
//	output := linear2.Forward(h2)
type Sequential struct {
	children []Child
}

// NewSequential creates a new Sequential container with index-named children.
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Kind implements Module.
func (s *Sequential) Kind() Kind { return KindSequential }

// Forward applies all modules in sequence.
func (s *Sequential) Forward(input *tensor.Tensor) *tensor.Tensor {
	output := input
	for _, child := range s.children {
		output = child.Module.Forward(output)
	}
	return output
}

// Backward runs the children's backward passes in reverse order.
//
// A child returning a nil input gradient (an embedding) stops the chain.
func (s *Sequential) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	grad := gradOutput
	for i := len(s.children) - 1; i >= 0; i-- {
		grad = s.children[i].Module.Backward(grad)
		if grad == nil {
			return nil
		}
	}
	return grad
}

// Parameters returns all parameters from all modules.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, child := range s.children {
		params = append(params, child.Module.Parameters()...)
	}
	return params
}

// CloneStructure implements Module.
func (s *Sequential) CloneStructure() Module {
	out := &Sequential{children: make([]Child, len(s.children))}
	for i, child := range s.children {
		out.children[i] = Child{Name: child.Name, Module: child.Module.CloneStructure()}
	}
	return out
}

// Add appends a module named by its index.
func (s *Sequential) Add(module Module) {
	s.AddNamed(strconv.Itoa(len(s.children)), module)
}

// AddNamed appends a module under name. Names must be unique and must not
// contain dots.
func (s *Sequential) AddNamed(name string, module Module) {
	for _, c := range s.children {
		if c.Name == name {
			panic(fmt.Sprintf("Sequential: duplicate child name %q", name))
		}
	}
	for _, r := range name {
		if r == '.' {
			panic(fmt.Sprintf("Sequential: child name %q contains a dot", name))
		}
	}
	s.children = append(s.children, Child{Name: name, Module: module})
}

// Len returns the number of modules in the sequence.
func (s *Sequential) Len() int {
	return len(s.children)
}

// Module returns the module at the given index.
func (s *Sequential) Module(index int) Module {
	if index < 0 || index >= len(s.children) {
		panic(fmt.Sprintf("Sequential: index %d out of range [0, %d)", index, len(s.children)))
	}
	return s.children[index].Module
}

// Children implements Container.
func (s *Sequential) Children() []Child {
	return s.children
}

// SetChild implements Container.
func (s *Sequential) SetChild(i int, m Module) {
	s.children[i].Module = m
}
