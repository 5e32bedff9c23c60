package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [..., in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
//   - y is the output tensor with shape [..., out_features]
//
// Leading dimensions of x are flattened into a batch for the matmul and
// restored afterwards.
//
// Example:
//
//	rng := rand.New(rand.NewSource(0))
//	layer := nn.NewLinear(784, 128, true, rng)
//
//	input := tensor.Randn(tensor.Shape{32, 784}, rng)  // batch_size=32
//	output := layer.Forward(input)  // shape: [32, 128]
type Linear struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter // [out_features, in_features]
	bias        *Parameter // [out_features], nil without bias

	input *tensor.Tensor // last forward input, flattened to 2D
	lead  tensor.Shape   // leading dims of the last input
}

// NewLinear creates a new Linear layer.
//
// Weights are initialized using Xavier/Glorot uniform distribution.
// Biases are initialized to zeros.
func NewLinear(inFeatures, outFeatures int, withBias bool, rng *rand.Rand) *Linear {
	weightShape := tensor.Shape{outFeatures, inFeatures}
	weight := NewParameter("weight", tensor.Xavier(inFeatures, outFeatures, weightShape, rng))

	var bias *Parameter
	if withBias {
		bias = NewParameter("bias", tensor.Zeros(tensor.Shape{outFeatures}))
	}

	return &Linear{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      weight,
		bias:        bias,
	}
}

// NewLinearFrom builds a Linear layer around existing tensors. bias may be
// nil.
func NewLinearFrom(weight, bias *tensor.Tensor) *Linear {
	if weight.Rank() != 2 {
		panic(fmt.Sprintf("Linear: weight must be 2D [out, in], got %v", weight.Shape()))
	}
	l := &Linear{
		inFeatures:  weight.Shape()[1],
		outFeatures: weight.Shape()[0],
		weight:      NewParameter("weight", weight),
	}
	if bias != nil {
		if bias.Rank() != 1 || bias.Shape()[0] != l.outFeatures {
			panic(fmt.Sprintf("Linear: bias shape %v does not match out_features %d", bias.Shape(), l.outFeatures))
		}
		l.bias = NewParameter("bias", bias)
	}
	return l
}

// Kind implements Module.
func (l *Linear) Kind() Kind { return KindLinear }

// Forward computes the output of the linear layer.
//
// The input feature count is read from the weight parameter, so a sharded
// layer whose weight was narrowed accepts the narrowed input.
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	w := l.weight.mustTensor("Linear.Forward") // [out, in]
	in := w.Shape()[1]

	shape := input.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != in {
		panic(fmt.Sprintf("Linear.Forward: expected input with %d features in the last dim, got shape %v", in, shape))
	}
	lead := shape[:len(shape)-1].Clone()
	x := input.Reshape(-1, in)

	output := tensor.MatMulTransB(x, w) // [batch, out]
	if l.bias != nil {
		output = tensor.AddRowVector(output, l.bias.mustTensor("Linear.Forward"))
	}

	l.input = x
	l.lead = lead
	return output.Reshape(append(lead, w.Shape()[0])...)
}

// Backward accumulates dW = g^T @ x and db = sum(g) and returns g @ W.
func (l *Linear) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.input == nil {
		panic("Linear.Backward: called before Forward")
	}
	w := l.weight.mustTensor("Linear.Backward")
	out, in := w.Shape()[0], w.Shape()[1]
	g := gradOutput.Reshape(-1, out)

	l.weight.AccumulateGrad(tensor.MatMulTransA(g, l.input))
	if l.bias != nil {
		l.bias.AccumulateGrad(tensor.SumToRow(g))
	}

	gradInput := tensor.MatMul(g, w) // [batch, in]
	return gradInput.Reshape(append(l.lead.Clone(), in)...)
}

// Parameters returns the trainable parameters of this layer.
//
// Returns [weight, bias] if bias is present, otherwise [weight].
func (l *Linear) Parameters() []*Parameter {
	if l.bias != nil {
		return []*Parameter{l.weight, l.bias}
	}
	return []*Parameter{l.weight}
}

// CloneStructure implements Module.
func (l *Linear) CloneStructure() Module {
	return &Linear{
		inFeatures:  l.inFeatures,
		outFeatures: l.outFeatures,
		weight:      l.weight.placeholder(),
		bias:        l.bias.placeholder(),
	}
}

// Weight returns the weight parameter.
func (l *Linear) Weight() *Parameter {
	return l.weight
}

// Bias returns the bias parameter.
func (l *Linear) Bias() *Parameter {
	return l.bias
}

// InFeatures returns the number of input features of the unsharded layer.
func (l *Linear) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the number of output features of the unsharded layer.
func (l *Linear) OutFeatures() int {
	return l.outFeatures
}
