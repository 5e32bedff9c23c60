package tensor

import (
	"fmt"
)

// ConvGeometry holds the derived sizes of a 2D convolution.
type ConvGeometry struct {
	N, CIn, H, W    int
	COut, KH, KW    int
	HOut, WOut      int
	Stride, Padding int
}

// NewConvGeometry validates input [N, C_in, H, W] against kernel
// [C_out, C_in, K_h, K_w].
func NewConvGeometry(input, kernel Shape, stride, padding int) ConvGeometry {
	if len(input) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %v", input))
	}
	if len(kernel) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in,K_h,K_w], got %v", kernel))
	}
	if input[1] != kernel[1] {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", input[1], kernel[1]))
	}
	g := ConvGeometry{
		N: input[0], CIn: input[1], H: input[2], W: input[3],
		COut: kernel[0], KH: kernel[2], KW: kernel[3],
		Stride: stride, Padding: padding,
	}
	g.HOut = (g.H+2*padding-g.KH)/stride + 1
	g.WOut = (g.W+2*padding-g.KW)/stride + 1
	if g.HOut <= 0 || g.WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", g.HOut, g.WOut))
	}
	return g
}

// Conv2D performs a direct 2D convolution.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
func Conv2D(input, kernel *Tensor, stride, padding int) *Tensor {
	g := NewConvGeometry(input.shape, kernel.shape, stride, padding)
	out := Zeros(Shape{g.N, g.COut, g.HOut, g.WOut})

	kernelParallelism().Grid(g.N, g.COut, func(n, o int) {
		dst := out.data[(n*g.COut+o)*g.HOut*g.WOut:]
		for oh := 0; oh < g.HOut; oh++ {
			for ow := 0; ow < g.WOut; ow++ {
				var sum float32
				for c := 0; c < g.CIn; c++ {
					for kh := 0; kh < g.KH; kh++ {
						ih := oh*g.Stride - g.Padding + kh
						if ih < 0 || ih >= g.H {
							continue
						}
						for kw := 0; kw < g.KW; kw++ {
							iw := ow*g.Stride - g.Padding + kw
							if iw < 0 || iw >= g.W {
								continue
							}
							sum += input.data[((n*g.CIn+c)*g.H+ih)*g.W+iw] *
								kernel.data[((o*g.CIn+c)*g.KH+kh)*g.KW+kw]
						}
					}
				}
				dst[oh*g.WOut+ow] = sum
			}
		}
	})
	return out
}

// Conv2DBackward returns the gradients of Conv2D with respect to the input
// and the kernel, given the output gradient.
func Conv2DBackward(input, kernel, grad *Tensor, stride, padding int) (gradInput, gradKernel *Tensor) {
	g := NewConvGeometry(input.shape, kernel.shape, stride, padding)
	if !grad.shape.Equal(Shape{g.N, g.COut, g.HOut, g.WOut}) {
		panic(fmt.Sprintf("conv2d_backward: grad shape %v does not match output [%d %d %d %d]",
			grad.shape, g.N, g.COut, g.HOut, g.WOut))
	}
	gradInput = Zeros(input.shape)
	gradKernel = Zeros(kernel.shape)

	// Sequential over the batch: both gradients accumulate across it.
	for n := 0; n < g.N; n++ {
		for o := 0; o < g.COut; o++ {
			for oh := 0; oh < g.HOut; oh++ {
				for ow := 0; ow < g.WOut; ow++ {
					gv := grad.data[((n*g.COut+o)*g.HOut+oh)*g.WOut+ow]
					if gv == 0 {
						continue
					}
					for c := 0; c < g.CIn; c++ {
						for kh := 0; kh < g.KH; kh++ {
							ih := oh*g.Stride - g.Padding + kh
							if ih < 0 || ih >= g.H {
								continue
							}
							for kw := 0; kw < g.KW; kw++ {
								iw := ow*g.Stride - g.Padding + kw
								if iw < 0 || iw >= g.W {
									continue
								}
								in := ((n*g.CIn+c)*g.H+ih)*g.W + iw
								k := ((o*g.CIn+c)*g.KH+kh)*g.KW + kw
								gradInput.data[in] += gv * kernel.data[k]
								gradKernel.data[k] += gv * input.data[in]
							}
						}
					}
				}
			}
		}
	}
	return gradInput, gradKernel
}

// AddChannelBias adds a per-channel bias to an NCHW tensor.
func AddChannelBias(x, bias *Tensor) *Tensor {
	if x.Rank() != 4 || bias.Rank() != 1 || bias.shape[0] != x.shape[1] {
		panic(fmt.Sprintf("add_channel_bias: bias %v does not match channels of %v", bias.shape, x.shape))
	}
	out := x.Clone()
	plane := x.shape[2] * x.shape[3]
	channels := x.shape[1]
	for i := range out.data {
		out.data[i] += bias.data[(i/plane)%channels]
	}
	return out
}

// SumChannels reduces an NCHW tensor to a per-channel vector.
func SumChannels(x *Tensor) *Tensor {
	channels := x.shape[1]
	plane := x.shape[2] * x.shape[3]
	out := Zeros(Shape{channels})
	for i, v := range x.data {
		out.data[(i/plane)%channels] += v
	}
	return out
}
