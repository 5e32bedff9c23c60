package nn

import (
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// Parameters are tensors that require gradient computation during training.
// They typically represent weights and biases of layers.
//
// A Parameter may be a placeholder: it knows its name and shape but holds no
// tensor. Placeholders come out of Module.CloneStructure and are filled by the
// shard builder, so a structure copy never duplicates parameter memory.
//
// Example:
//
//	weight := nn.NewParameter("weight", weightTensor)
//	w := weight.Tensor()
//	grad := weight.Grad()
type Parameter struct {
	name      string
	shape     tensor.Shape
	tensor    *tensor.Tensor
	grad      *tensor.Tensor
	trainable bool
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{
		name:      name,
		shape:     t.Shape().Clone(),
		tensor:    t,
		trainable: true,
	}
}

// NewBuffer creates a non-trainable parameter (a buffer that moves with the
// module but is not optimized).
func NewBuffer(name string, t *tensor.Tensor) *Parameter {
	p := NewParameter(name, t)
	p.trainable = false
	return p
}

// placeholder returns an empty parameter with the same name, shape and
// trainability.
func (p *Parameter) placeholder() *Parameter {
	if p == nil {
		return nil
	}
	return &Parameter{name: p.name, shape: p.shape.Clone(), trainable: p.trainable}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Shape returns the shape the parameter currently holds (or will hold, for
// a placeholder).
func (p *Parameter) Shape() tensor.Shape {
	return p.shape
}

// Tensor returns the parameter tensor, nil for a placeholder.
func (p *Parameter) Tensor() *tensor.Tensor {
	return p.tensor
}

// SetTensor installs t and updates the recorded shape. Passing nil turns the
// parameter back into a placeholder with its current shape.
func (p *Parameter) SetTensor(t *tensor.Tensor) {
	p.tensor = t
	if t != nil {
		p.shape = t.Shape().Clone()
	}
}

// Trainable reports whether the optimizer should update this parameter.
func (p *Parameter) Trainable() bool {
	return p.trainable
}

// SetTrainable marks the parameter as (non-)trainable.
func (p *Parameter) SetTrainable(trainable bool) {
	p.trainable = trainable
}

// Grad returns the gradient tensor.
//
// Returns nil if no gradient has been computed yet (before backward pass).
func (p *Parameter) Grad() *tensor.Tensor {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter) SetGrad(grad *tensor.Tensor) {
	p.grad = grad
}

// AccumulateGrad adds g to the gradient, allocating it on first use.
func (p *Parameter) AccumulateGrad(g *tensor.Tensor) {
	if !p.trainable {
		return
	}
	if p.grad == nil {
		p.grad = g.Clone()
		return
	}
	tensor.AddInPlace(p.grad, g)
}

// ZeroGrad clears the gradient tensor.
//
// This should be called before each training iteration to avoid
// accumulating gradients from previous iterations.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

// mustTensor panics with a readable message when a placeholder is used in
// compute.
func (p *Parameter) mustTensor(owner string) *tensor.Tensor {
	if p.tensor == nil {
		panic(owner + ": parameter " + p.name + " has no tensor (unmaterialized placeholder)")
	}
	return p.tensor
}
