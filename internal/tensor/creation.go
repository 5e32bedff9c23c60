package tensor

import (
	"math"
	"math/rand"
)

// Zeros creates a tensor filled with zeros.
// Panics on an invalid shape.
func Zeros(shape Shape) *Tensor {
	t, err := New(shape)
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a tensor filled with value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Ones creates a tensor filled with ones.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Randn creates a tensor with values drawn from N(0, 1).
//
//nolint:gosec // math/rand is appropriate for ML weight initialization
func Randn(shape Shape, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t
}

// Xavier initializes a tensor from U(-sqrt(6/(fanIn+fanOut)), +sqrt(...)).
//
//nolint:gosec // math/rand is appropriate for ML weight initialization
func Xavier(fanIn, fanOut int, shape Shape, rng *rand.Rand) *Tensor {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

// Arange fills a tensor with 0, 1, 2, ... in row-major order. Handy for
// tests that need to see exactly where each element lands.
func Arange(shape Shape) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32(i)
	}
	return t
}
