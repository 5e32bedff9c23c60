// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the modules that tensor parallelism knows how to split:
// Linear, Embedding, Conv2D and LayerNorm, plus activations and Sequential.
//
// Modules run forward and an explicit backward. Parameters are addressed by
// dotted paths such as "0.weight".
package nn

import (
	"math/rand"

	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Module is a computation over tensors that owns parameters.
type Module = nn.Module

// Parameter is a named tensor with an optional gradient.
type Parameter = nn.Parameter

// NamedParameter is a parameter with its dotted path.
type NamedParameter = nn.NamedParameter

// Layers

// Linear is a fully connected layer, y = x W^T + b, with W of shape [out, in].
type Linear = nn.Linear

// NewLinear creates a linear layer with Xavier initialization.
//
// Example:
//
//	fc := nn.NewLinear(64, 128, true, rand.New(rand.NewSource(1)))
func NewLinear(inFeatures, outFeatures int, withBias bool, rng *rand.Rand) *Linear {
	return nn.NewLinear(inFeatures, outFeatures, withBias, rng)
}

// Embedding looks up rows of a [vocab, dim] table by integer ids.
type Embedding = nn.Embedding

// NewEmbedding creates an embedding table.
func NewEmbedding(numEmbeddings, embeddingDim int, rng *rand.Rand) *Embedding {
	return nn.NewEmbedding(numEmbeddings, embeddingDim, rng)
}

// Conv2D is a 2D convolution over NCHW inputs.
type Conv2D = nn.Conv2D

// NewConv2D creates a 2D convolution.
func NewConv2D(
	inChannels, outChannels int,
	kernelH, kernelW int,
	stride, padding int,
	useBias bool,
	rng *rand.Rand,
) *Conv2D {
	return nn.NewConv2D(inChannels, outChannels, kernelH, kernelW, stride, padding, useBias, rng)
}

// LayerNorm normalizes the last dimension.
type LayerNorm = nn.LayerNorm

// NewLayerNorm creates a layer norm over the last normalizedShape elements.
func NewLayerNorm(normalizedShape int, epsilon float32) *LayerNorm {
	return nn.NewLayerNorm(normalizedShape, epsilon)
}

// Activations

// ReLU is max(x, 0).
type ReLU = nn.ReLU

// NewReLU creates a ReLU.
func NewReLU() *ReLU { return nn.NewReLU() }

// GELU is the tanh approximation of the Gaussian error linear unit.
type GELU = nn.GELU

// NewGELU creates a GELU.
func NewGELU() *GELU { return nn.NewGELU() }

// Containers

// Sequential runs its children in order. Child i has path "i".
type Sequential = nn.Sequential

// NewSequential creates a sequential container.
//
// Example:
//
//	model := nn.NewSequential(
//	    nn.NewLinear(64, 128, true, rng),
//	    nn.NewReLU(),
//	    nn.NewLinear(128, 10, true, rng),
//	)
func NewSequential(modules ...Module) *Sequential { return nn.NewSequential(modules...) }

// Utilities

// NamedParameters returns every parameter of root with its dotted path.
func NamedParameters(root Module) []NamedParameter { return nn.NamedParameters(root) }

// ZeroGrad clears the gradients of every parameter of root.
func ZeroGrad(root Module) { nn.ZeroGrad(root) }

// Clone returns a deep copy of root.
func Clone(root Module) Module { return nn.Clone(root) }

// NewParameter creates a trainable parameter.
func NewParameter(name string, t *tensor.Tensor) *Parameter { return nn.NewParameter(name, t) }
