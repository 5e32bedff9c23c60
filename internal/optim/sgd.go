package optim

import (
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// SGD is stochastic gradient descent with optional momentum:
//
//	velocity = momentum * velocity + grad
//	param   -= lr * velocity
type SGD struct {
	lrBox
	momentum   float32
	velocities stateMap[tensor.Tensor]
}

// SGDConfig holds configuration for SGD.
type SGDConfig struct {
	LR       float32 // default 0.01
	Momentum float32 // in [0, 1)
}

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{lrBox: lrBox{lr: config.LR}, momentum: config.Momentum}
}

// Delta implements Optimizer.
func (s *SGD) Delta(key string, grad *tensor.Tensor) *tensor.Tensor {
	lr := s.LR()
	if s.momentum == 0 {
		return tensor.Scale(grad, lr)
	}
	v := s.velocities.get(key, func() *tensor.Tensor { return tensor.Zeros(grad.Shape()) })
	vd, gd := v.Data(), grad.Data()
	for i := range vd {
		vd[i] = s.momentum*vd[i] + gd[i]
	}
	return tensor.Scale(v, lr)
}
