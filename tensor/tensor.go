// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense float32 tensors that modules and shards
// are built from.
//
// Example:
//
//	x := tensor.Randn(tensor.Shape{8, 64}, rand.New(rand.NewSource(1)))
//	parts := tensor.Chunk(x, 2, 1) // two [8, 32] slices
//	y := tensor.Cat(parts, 1)      // equal to x
package tensor

import (
	"math/rand"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Shape is the size of each dimension, outermost first.
type Shape = tensor.Shape

// Tensor is a dense row-major float32 tensor.
type Tensor = tensor.Tensor

// New allocates a zero tensor of the given shape.
func New(shape Shape) (*Tensor, error) { return tensor.New(shape) }

// FromSlice wraps data, which must hold shape.NumElements() values.
func FromSlice(data []float32, shape Shape) (*Tensor, error) { return tensor.FromSlice(data, shape) }

// Zeros returns a zero tensor.
func Zeros(shape Shape) *Tensor { return tensor.Zeros(shape) }

// Randn returns a tensor of standard normal samples drawn from rng.
func Randn(shape Shape, rng *rand.Rand) *Tensor { return tensor.Randn(shape, rng) }

// Cat concatenates tensors along axis.
func Cat(ts []*Tensor, axis int) *Tensor { return tensor.Cat(ts, axis) }

// Chunk splits t into n equal contiguous parts along axis.
func Chunk(t *Tensor, n, axis int) []*Tensor { return tensor.Chunk(t, n, axis) }

// ChunkStrided splits t into n parts along axis, element j going to part j mod n.
func ChunkStrided(t *Tensor, n, axis int) []*Tensor { return tensor.ChunkStrided(t, n, axis) }

// CatStrided reverses ChunkStrided.
func CatStrided(ts []*Tensor, axis int) *Tensor { return tensor.CatStrided(ts, axis) }

// MatMul computes (M, K) @ (K, N) -> (M, N).
func MatMul(a, b *Tensor) *Tensor { return tensor.MatMul(a, b) }

// MaxAbsDiff returns the largest element-wise difference of a and b.
func MaxAbsDiff(a, b *Tensor) float32 { return tensor.MaxAbsDiff(a, b) }

// AllClose reports whether |a-b| <= atol + rtol*|b| for every element.
func AllClose(a, b *Tensor, atol, rtol float32) bool { return tensor.AllClose(a, b, atol, rtol) }
