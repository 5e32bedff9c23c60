package nn

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// LayerNorm applies Layer Normalization over an input tensor along the last dimension.
//
// Formula: Y = gamma * (X - mean(X)) / sqrt(var(X) + eps) + beta
//
// Where:
//   - gamma is the learnable scale parameter [d_model]
//   - beta is the learnable shift parameter [d_model]
//   - mean and variance are computed along the last dimension
//   - eps is a small value to avoid division by zero
//
// Statistics span the whole last dimension, so a LayerNorm must see its full
// feature vector. The partitioning engine replicates it.
//
// Example:
//
//	layernorm := nn.NewLayerNorm(768, 1e-5)
//	output := layernorm.Forward(hiddenStates)  // [..., 768] -> [..., 768]
type LayerNorm struct {
	gamma   *Parameter // learnable scale [d_model]
	beta    *Parameter // learnable shift [d_model]
	epsilon float32

	xhat *tensor.Tensor // normalized input of the last forward
	rstd []float32      // per-row 1/sqrt(var+eps)
}

// NewLayerNorm creates a new LayerNorm layer.
//
// The gamma parameter is initialized to ones, beta to zeros.
func NewLayerNorm(normalizedShape int, epsilon float32) *LayerNorm {
	return &LayerNorm{
		gamma:   NewParameter("gamma", tensor.Ones(tensor.Shape{normalizedShape})),
		beta:    NewParameter("beta", tensor.Zeros(tensor.Shape{normalizedShape})),
		epsilon: epsilon,
	}
}

// Kind implements Module.
func (l *LayerNorm) Kind() Kind { return KindLayerNorm }

// Forward applies LayerNorm to the input tensor.
func (l *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	gamma := l.gamma.mustTensor("LayerNorm.Forward").Data()
	beta := l.beta.mustTensor("LayerNorm.Forward").Data()
	d := len(gamma)
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != d {
		panic(fmt.Sprintf("LayerNorm.Forward: last dim of %v does not match normalized shape %d", shape, d))
	}

	rows := x.NumElements() / d
	xhat := tensor.Zeros(shape)
	out := tensor.Zeros(shape)
	rstd := make([]float32, rows)
	src, hat, dst := x.Data(), xhat.Data(), out.Data()
	for r := 0; r < rows; r++ {
		row := src[r*d : (r+1)*d]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(d)
		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(d)
		rstd[r] = 1 / math32.Sqrt(variance+l.epsilon)
		for j, v := range row {
			h := (v - mean) * rstd[r]
			hat[r*d+j] = h
			dst[r*d+j] = gamma[j]*h + beta[j]
		}
	}
	l.xhat = xhat
	l.rstd = rstd
	return out
}

// Backward accumulates dgamma and dbeta and returns the input gradient.
func (l *LayerNorm) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.xhat == nil {
		panic("LayerNorm.Backward: called before Forward")
	}
	gamma := l.gamma.mustTensor("LayerNorm.Backward").Data()
	d := len(gamma)
	rows := len(l.rstd)

	dgamma := tensor.Zeros(tensor.Shape{d})
	dbeta := tensor.Zeros(tensor.Shape{d})
	gradInput := tensor.Zeros(l.xhat.Shape())
	g, hat, dx := gradOutput.Data(), l.xhat.Data(), gradInput.Data()
	dg, db := dgamma.Data(), dbeta.Data()

	for r := 0; r < rows; r++ {
		var sumDh, sumDhH float32
		for j := 0; j < d; j++ {
			i := r*d + j
			dg[j] += g[i] * hat[i]
			db[j] += g[i]
			dh := g[i] * gamma[j]
			sumDh += dh
			sumDhH += dh * hat[i]
		}
		scale := l.rstd[r] / float32(d)
		for j := 0; j < d; j++ {
			i := r*d + j
			dh := g[i] * gamma[j]
			dx[i] = scale * (float32(d)*dh - sumDh - hat[i]*sumDhH)
		}
	}
	l.gamma.AccumulateGrad(dgamma)
	l.beta.AccumulateGrad(dbeta)
	return gradInput
}

// Parameters returns the learnable parameters (gamma and beta).
func (l *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{l.gamma, l.beta}
}

// CloneStructure implements Module.
func (l *LayerNorm) CloneStructure() Module {
	return &LayerNorm{
		gamma:   l.gamma.placeholder(),
		beta:    l.beta.placeholder(),
		epsilon: l.epsilon,
	}
}

// Epsilon returns the numerical stability constant.
func (l *LayerNorm) Epsilon() float32 { return l.epsilon }
