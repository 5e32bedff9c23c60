package tensor_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

func TestFromSlice_ShapeMismatch(t *testing.T) {
	_, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{2, 2})
	require.Error(t, err)
}

func TestNew_InvalidShape(t *testing.T) {
	_, err := tensor.New(tensor.Shape{2, 0})
	require.Error(t, err)
}

func TestReshape_Infer(t *testing.T) {
	x := tensor.Arange(tensor.Shape{2, 3, 4})
	y := x.Reshape(6, -1)
	assert.Equal(t, tensor.Shape{6, 4}, y.Shape())
	// Views share the buffer.
	y.Data()[0] = 42
	assert.Equal(t, float32(42), x.At(0, 0, 0))
}

func TestMatMul_Variants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := tensor.Randn(tensor.Shape{5, 7}, rng)
	b := tensor.Randn(tensor.Shape{7, 3}, rng)

	want := tensor.MatMul(a, b)
	assert.Equal(t, tensor.Shape{5, 3}, want.Shape())

	viaTransB := tensor.MatMulTransB(a, tensor.Transpose2D(b))
	assert.True(t, tensor.AllClose(want, viaTransB, 1e-5, 1e-5))

	viaTransA := tensor.MatMulTransA(tensor.Transpose2D(a), b)
	assert.True(t, tensor.AllClose(want, viaTransA, 1e-5, 1e-5))
}

func TestMatMul_Known(t *testing.T) {
	a, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float32{5, 6, 7, 8}, tensor.Shape{2, 2})
	require.NoError(t, err)

	c := tensor.MatMul(a, b)
	assert.Equal(t, []float32{19, 22, 43, 50}, c.Data())
}

func TestChunkCat_RoundTrip(t *testing.T) {
	x := tensor.Arange(tensor.Shape{4, 6, 2})
	for axis := 0; axis < 3; axis++ {
		for _, n := range []int{1, 2} {
			if !tensor.Divisible(x.Shape(), axis, n) {
				continue
			}
			parts := tensor.Chunk(x, n, axis)
			require.Len(t, parts, n)
			back := tensor.Cat(parts, axis)
			assert.True(t, back.Equal(x), "axis=%d n=%d", axis, n)
		}
	}
}

func TestChunk_Contiguous(t *testing.T) {
	x := tensor.Arange(tensor.Shape{2, 4})
	parts := tensor.Chunk(x, 2, -1)
	assert.Equal(t, []float32{0, 1, 4, 5}, parts[0].Data())
	assert.Equal(t, []float32{2, 3, 6, 7}, parts[1].Data())
}

func TestChunk_NotDivisiblePanics(t *testing.T) {
	x := tensor.Arange(tensor.Shape{3, 5})
	assert.False(t, tensor.Divisible(x.Shape(), 1, 2))
	assert.Panics(t, func() { tensor.Chunk(x, 2, 1) })
}

func TestChunkStrided_RoundTrip(t *testing.T) {
	x := tensor.Arange(tensor.Shape{2, 6})
	parts := tensor.ChunkStrided(x, 3, 1)
	assert.Equal(t, []float32{0, 3, 6, 9}, parts[0].Data())
	assert.Equal(t, []float32{1, 4, 7, 10}, parts[1].Data())
	assert.True(t, tensor.CatStrided(parts, 1).Equal(x))
}

func TestNarrow(t *testing.T) {
	x := tensor.Arange(tensor.Shape{3, 4})
	y := tensor.Narrow(x, 0, 1, 2)
	assert.Equal(t, tensor.Shape{2, 4}, y.Shape())
	assert.Equal(t, float32(4), y.At(0, 0))
	assert.Panics(t, func() { tensor.Narrow(x, 0, 2, 2) })
}

func TestPadFlatUnflatten(t *testing.T) {
	x := tensor.Arange(tensor.Shape{3, 3})
	padded := tensor.PadFlat(x, 10)
	assert.Equal(t, tensor.Shape{10}, padded.Shape())
	assert.Equal(t, float32(0), padded.Data()[9])
	assert.True(t, tensor.Unflatten(padded, tensor.Shape{3, 3}).Equal(x))
}

func TestRowVectorOps(t *testing.T) {
	x := tensor.Zeros(tensor.Shape{2, 3})
	row, err := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3})
	require.NoError(t, err)

	y := tensor.AddRowVector(x, row)
	assert.Equal(t, []float32{1, 2, 3, 1, 2, 3}, y.Data())
	assert.Equal(t, []float32{2, 4, 6}, tensor.SumToRow(y).Data())
}

func TestActivations(t *testing.T) {
	x, err := tensor.FromSlice([]float32{-1, 0, 2}, tensor.Shape{3})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2}, tensor.ReLU(x).Data())
	assert.Equal(t, []float32{0, 0, 1}, tensor.ReLUBackward(x, tensor.Ones(tensor.Shape{3})).Data())

	g := tensor.GELU(x)
	assert.InDelta(t, 0, g.Data()[1], 1e-6)
	assert.InDelta(t, 1.9546, g.Data()[2], 1e-3)
}

func TestGELUBackward_FiniteDifference(t *testing.T) {
	const eps = 1e-2
	for _, v := range []float32{-2, -0.5, 0.3, 1.7} {
		x := tensor.Full(tensor.Shape{1}, v)
		analytic := tensor.GELUBackward(x, tensor.Ones(tensor.Shape{1})).Data()[0]
		plus := tensor.GELU(tensor.Full(tensor.Shape{1}, v+eps)).Data()[0]
		minus := tensor.GELU(tensor.Full(tensor.Shape{1}, v-eps)).Data()[0]
		assert.InDelta(t, (plus-minus)/(2*eps), analytic, 1e-2, "x=%v", v)
	}
}

func TestConv2D_Known(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 kernel of ones: each output is a 2x2 window sum.
	input := tensor.Arange(tensor.Shape{1, 1, 3, 3})
	kernel := tensor.Ones(tensor.Shape{1, 1, 2, 2})

	out := tensor.Conv2D(input, kernel, 1, 0)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{8, 12, 20, 24}, out.Data())
}

func TestConv2DBackward_MatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	input := tensor.Randn(tensor.Shape{1, 2, 4, 4}, rng)
	kernel := tensor.Randn(tensor.Shape{3, 2, 3, 3}, rng)
	out := tensor.Conv2D(input, kernel, 1, 1)
	grad := tensor.Ones(out.Shape())

	gradInput, gradKernel := tensor.Conv2DBackward(input, kernel, grad, 1, 1)

	// d(sum(out))/d(kernel[k]) via finite differences on a couple of entries.
	for _, k := range []int{0, 17, 53} {
		const eps = 1e-2
		orig := kernel.Data()[k]
		kernel.Data()[k] = orig + eps
		plus := sumAll(tensor.Conv2D(input, kernel, 1, 1))
		kernel.Data()[k] = orig - eps
		minus := sumAll(tensor.Conv2D(input, kernel, 1, 1))
		kernel.Data()[k] = orig
		assert.InDelta(t, (plus-minus)/(2*eps), gradKernel.Data()[k], 2e-2)
	}
	for _, i := range []int{0, 5, 31} {
		const eps = 1e-2
		orig := input.Data()[i]
		input.Data()[i] = orig + eps
		plus := sumAll(tensor.Conv2D(input, kernel, 1, 1))
		input.Data()[i] = orig - eps
		minus := sumAll(tensor.Conv2D(input, kernel, 1, 1))
		input.Data()[i] = orig
		assert.InDelta(t, (plus-minus)/(2*eps), gradInput.Data()[i], 2e-2)
	}
}

func TestEqual_Bitwise(t *testing.T) {
	a := tensor.Arange(tensor.Shape{4})
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Data()[3] += 0.5
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(a.Reshape(2, 2)))
}

func sumAll(t *tensor.Tensor) float32 {
	var s float32
	for _, v := range t.Data() {
		s += v
	}
	return s
}
