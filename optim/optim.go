// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim updates the parameters of a parallel module in place.
//
// Example:
//
//	opt := optim.NewSGD(optim.SGDConfig{LR: 0.01, Momentum: 0.9})
//	out, _ := m.Forward(ctx, x)
//	m.Backward(ctx, lossGrad(out))
//	m.Step(ctx, opt)
//	m.ZeroGrad(ctx)
package optim

import (
	"github.com/born-ml/tensorparallel/internal/optim"
)

// Optimizer computes element-wise parameter updates.
type Optimizer = optim.Optimizer

// SGD is stochastic gradient descent with optional momentum.
type SGD = optim.SGD

// SGDConfig configures SGD.
type SGDConfig = optim.SGDConfig

// NewSGD creates an SGD optimizer.
func NewSGD(config SGDConfig) *SGD { return optim.NewSGD(config) }

// Adam is the Adam optimizer with bias correction.
type Adam = optim.Adam

// AdamConfig configures Adam.
type AdamConfig = optim.AdamConfig

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) *Adam { return optim.NewAdam(config) }
