package optim

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Adam is adaptive moment estimation (Kingma & Ba, 2014):
//
//	m = beta1 * m + (1-beta1) * grad
//	v = beta2 * v + (1-beta2) * grad²
//	param -= lr * m̂ / (sqrt(v̂) + eps)
//
// where m̂ and v̂ are bias corrected with the per-tensor step count.
type Adam struct {
	lrBox
	beta1, beta2, eps float32
	moments           stateMap[adamState]
}

type adamState struct {
	m, v []float32
	t    int
}

// AdamConfig holds configuration for Adam.
type AdamConfig struct {
	LR    float32    // default 0.001
	Betas [2]float32 // default {0.9, 0.999}
	Eps   float32    // default 1e-8
}

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas == [2]float32{} {
		config.Betas = [2]float32{0.9, 0.999}
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		lrBox: lrBox{lr: config.LR},
		beta1: config.Betas[0],
		beta2: config.Betas[1],
		eps:   config.Eps,
	}
}

// Delta implements Optimizer.
func (a *Adam) Delta(key string, grad *tensor.Tensor) *tensor.Tensor {
	gd := grad.Data()
	s := a.moments.get(key, func() *adamState {
		return &adamState{m: make([]float32, len(gd)), v: make([]float32, len(gd))}
	})
	s.t++
	c1 := 1 - math32.Pow(a.beta1, float32(s.t))
	c2 := 1 - math32.Pow(a.beta2, float32(s.t))
	lr := a.LR()

	delta := tensor.Zeros(grad.Shape())
	dd := delta.Data()
	for i, g := range gd {
		s.m[i] = a.beta1*s.m[i] + (1-a.beta1)*g
		s.v[i] = a.beta2*s.v[i] + (1-a.beta2)*g*g
		dd[i] = lr * (s.m[i] / c1) / (math32.Sqrt(s.v[i]/c2) + a.eps)
	}
	return delta
}
