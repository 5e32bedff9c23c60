package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Conv2D is a 2D convolutional layer.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel_h) / stride + 1
//	out_w = (width + 2*padding - kernel_w) / stride + 1
//
// Example:
//
//	// Create 2D conv: 1 channel -> 6 channels, 5x5 kernel
//	conv := nn.NewConv2D(1, 6, 5, 5, 1, 0, true, rng)
//
//	input := tensor.Zeros(tensor.Shape{32, 1, 28, 28}) // MNIST-like
//	output := conv.Forward(input) // [32, 6, 24, 24]
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  [2]int
	stride      int
	padding     int

	weight *Parameter // [out_channels, in_channels, kernel_h, kernel_w]
	bias   *Parameter // [out_channels] or nil

	input *tensor.Tensor
}

// NewConv2D creates a new 2D convolutional layer with Xavier initialization.
//
// Parameters:
//   - inChannels: Number of input channels
//   - outChannels: Number of output channels (number of filters)
//   - kernelH, kernelW: Kernel dimensions
//   - stride: Stride for convolution (commonly 1 or 2)
//   - padding: Zero padding to apply to input (commonly 0, 1, 2)
//   - useBias: Whether to include bias term
//   - rng: Source for weight initialization
func NewConv2D(
	inChannels, outChannels int,
	kernelH, kernelW int,
	stride, padding int,
	useBias bool,
	rng *rand.Rand,
) *Conv2D {
	if stride <= 0 {
		panic(fmt.Sprintf("Conv2D: stride must be positive, got %d", stride))
	}
	if padding < 0 {
		panic(fmt.Sprintf("Conv2D: padding must be non-negative, got %d", padding))
	}
	fanIn := inChannels * kernelH * kernelW
	fanOut := outChannels * kernelH * kernelW
	weightShape := tensor.Shape{outChannels, inChannels, kernelH, kernelW}

	c := &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  [2]int{kernelH, kernelW},
		stride:      stride,
		padding:     padding,
		weight:      NewParameter("weight", tensor.Xavier(fanIn, fanOut, weightShape, rng)),
	}
	if useBias {
		c.bias = NewParameter("bias", tensor.Zeros(tensor.Shape{outChannels}))
	}
	return c
}

// Kind implements Module.
func (c *Conv2D) Kind() Kind { return KindConv2D }

// Forward performs the 2D convolution.
//
// The channel counts are read from the weight, so a shard holding a slice of
// the output channels produces that slice of the output.
func (c *Conv2D) Forward(input *tensor.Tensor) *tensor.Tensor {
	w := c.weight.mustTensor("Conv2D.Forward")
	out := tensor.Conv2D(input, w, c.stride, c.padding)
	if c.bias != nil {
		out = tensor.AddChannelBias(out, c.bias.mustTensor("Conv2D.Forward"))
	}
	c.input = input
	return out
}

// Backward accumulates kernel and bias gradients and returns the input
// gradient.
func (c *Conv2D) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if c.input == nil {
		panic("Conv2D.Backward: called before Forward")
	}
	w := c.weight.mustTensor("Conv2D.Backward")
	gradInput, gradKernel := tensor.Conv2DBackward(c.input, w, gradOutput, c.stride, c.padding)
	c.weight.AccumulateGrad(gradKernel)
	if c.bias != nil {
		c.bias.AccumulateGrad(tensor.SumChannels(gradOutput))
	}
	return gradInput
}

// Parameters returns the trainable parameters [weight, bias] or [weight].
func (c *Conv2D) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

// CloneStructure implements Module.
func (c *Conv2D) CloneStructure() Module {
	return &Conv2D{
		inChannels:  c.inChannels,
		outChannels: c.outChannels,
		kernelSize:  c.kernelSize,
		stride:      c.stride,
		padding:     c.padding,
		weight:      c.weight.placeholder(),
		bias:        c.bias.placeholder(),
	}
}

// String returns a string representation of the layer.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(in=%d, out=%d, kernel=%dx%d, stride=%d, padding=%d, bias=%v)",
		c.inChannels, c.outChannels, c.kernelSize[0], c.kernelSize[1], c.stride, c.padding, c.bias != nil)
}

// Weight returns the kernel parameter.
func (c *Conv2D) Weight() *Parameter { return c.weight }

// Bias returns the bias parameter, nil without bias.
func (c *Conv2D) Bias() *Parameter { return c.bias }

// OutChannels returns the number of output channels of the unsharded layer.
func (c *Conv2D) OutChannels() int { return c.outChannels }

// InChannels returns the number of input channels of the unsharded layer.
func (c *Conv2D) InChannels() int { return c.inChannels }
