package nn

import (
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// ReLU is a Rectified Linear Unit activation module.
//
// Applies the element-wise function: f(x) = max(0, x)
//
// Example:
//
//	relu := nn.NewReLU()
//	output := relu.Forward(input)  // All negative values become 0
type ReLU struct {
	input *tensor.Tensor
}

// NewReLU creates a new ReLU activation module.
func NewReLU() *ReLU {
	return &ReLU{}
}

// Kind implements Module.
func (r *ReLU) Kind() Kind { return KindReLU }

// Forward applies ReLU activation: f(x) = max(0, x).
func (r *ReLU) Forward(input *tensor.Tensor) *tensor.Tensor {
	r.input = input
	return tensor.ReLU(input)
}

// Backward passes the gradient where the input was positive.
func (r *ReLU) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if r.input == nil {
		panic("ReLU.Backward: called before Forward")
	}
	return tensor.ReLUBackward(r.input, gradOutput)
}

// Parameters returns an empty slice (ReLU has no trainable parameters).
func (r *ReLU) Parameters() []*Parameter {
	return nil
}

// CloneStructure implements Module.
func (r *ReLU) CloneStructure() Module { return NewReLU() }

// GELU is the tanh-approximated Gaussian Error Linear Unit.
//
// Applies: 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
type GELU struct {
	input *tensor.Tensor
}

// NewGELU creates a new GELU activation module.
func NewGELU() *GELU {
	return &GELU{}
}

// Kind implements Module.
func (g *GELU) Kind() Kind { return KindGELU }

// Forward applies GELU activation.
func (g *GELU) Forward(input *tensor.Tensor) *tensor.Tensor {
	g.input = input
	return tensor.GELU(input)
}

// Backward applies the GELU derivative to the gradient.
func (g *GELU) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if g.input == nil {
		panic("GELU.Backward: called before Forward")
	}
	return tensor.GELUBackward(g.input, gradOutput)
}

// Parameters returns an empty slice (GELU has no trainable parameters).
func (g *GELU) Parameters() []*Parameter {
	return nil
}

// CloneStructure implements Module.
func (g *GELU) CloneStructure() Module { return NewGELU() }
