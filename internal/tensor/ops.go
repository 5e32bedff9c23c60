package tensor

import (
	"fmt"
	"sync/atomic"

	"github.com/chewxy/math32"

	"github.com/born-ml/tensorparallel/internal/parallel"
)

// kernelConfig is the loop parallelism used by the heavier kernels; nil
// means parallel.Default.
var kernelConfig atomic.Pointer[parallel.Config]

// SetKernelParallelism replaces the loop parallelism used by MatMul and
// Conv2D. Kernels already running keep the config they started with.
func SetKernelParallelism(cfg parallel.Config) {
	kernelConfig.Store(&cfg)
}

func kernelParallelism() parallel.Config {
	if cfg := kernelConfig.Load(); cfg != nil {
		return *cfg
	}
	return parallel.Default()
}

func must2D(op string, t *Tensor) (rows, cols int) {
	if t.Rank() != 2 {
		panic(fmt.Sprintf("%s: expected 2D tensor, got shape %v", op, t.shape))
	}
	return t.shape[0], t.shape[1]
}

// MatMul computes (M, K) @ (K, N) -> (M, N).
func MatMul(a, b *Tensor) *Tensor {
	m, k := must2D("matmul", a)
	kAlt, n := must2D("matmul", b)
	if k != kAlt {
		panic(fmt.Sprintf("matmul: shape mismatch %v @ %v", a.shape, b.shape))
	}
	c := Zeros(Shape{m, n})
	kernelParallelism().Range(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := c.data[i*n : (i+1)*n]
			for kk := 0; kk < k; kk++ {
				av := a.data[i*k+kk]
				if av == 0 {
					continue
				}
				bRow := b.data[kk*n : (kk+1)*n]
				for j := range row {
					row[j] += av * bRow[j]
				}
			}
		}
	})
	return c
}

// MatMulTransB computes a @ b^T for a (M, K) and b (N, K). This is the
// Linear forward with born's [out, in] weight layout.
func MatMulTransB(a, b *Tensor) *Tensor {
	m, k := must2D("matmul_t", a)
	n, kAlt := must2D("matmul_t", b)
	if k != kAlt {
		panic(fmt.Sprintf("matmul_t: shape mismatch %v @ %v^T", a.shape, b.shape))
	}
	c := Zeros(Shape{m, n})
	kernelParallelism().Range(m, func(start, end int) {
		for i := start; i < end; i++ {
			aRow := a.data[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				bRow := b.data[j*k : (j+1)*k]
				var sum float32
				for kk, av := range aRow {
					sum += av * bRow[kk]
				}
				c.data[i*n+j] = sum
			}
		}
	})
	return c
}

// MatMulTransA computes a^T @ b for a (K, M) and b (K, N). Used for weight
// gradients: dW = dY^T @ X.
func MatMulTransA(a, b *Tensor) *Tensor {
	k, m := must2D("t_matmul", a)
	kAlt, n := must2D("t_matmul", b)
	if k != kAlt {
		panic(fmt.Sprintf("t_matmul: shape mismatch %v^T @ %v", a.shape, b.shape))
	}
	c := Zeros(Shape{m, n})
	kernelParallelism().Range(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := c.data[i*n : (i+1)*n]
			for kk := 0; kk < k; kk++ {
				av := a.data[kk*m+i]
				if av == 0 {
					continue
				}
				bRow := b.data[kk*n : (kk+1)*n]
				for j := range row {
					row[j] += av * bRow[j]
				}
			}
		}
	})
	return c
}

// Transpose2D returns a new (N, M) tensor for an (M, N) input.
func Transpose2D(t *Tensor) *Tensor {
	m, n := must2D("transpose", t)
	out := Zeros(Shape{n, m})
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = t.data[i*n+j]
		}
	}
	return out
}

func mustSameShape(op string, a, b *Tensor) {
	if !a.shape.Equal(b.shape) {
		panic(fmt.Sprintf("%s: shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}

// Add returns a + b for same-shaped tensors.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] += v
	}
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	mustSameShape("add_", a, b)
	for i, v := range b.data {
		a.data[i] += v
	}
}

// Sub returns a - b for same-shaped tensors.
func Sub(a, b *Tensor) *Tensor {
	mustSameShape("sub", a, b)
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] -= v
	}
	return out
}

// Mul returns the element-wise product.
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("mul", a, b)
	out := a.Clone()
	for i, v := range b.data {
		out.data[i] *= v
	}
	return out
}

// Scale returns t * s.
func Scale(t *Tensor, s float32) *Tensor {
	out := t.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// AddRowVector broadcasts a rank-1 vector over the last axis of x.
func AddRowVector(x, row *Tensor) *Tensor {
	last := x.shape[len(x.shape)-1]
	if row.Rank() != 1 || row.shape[0] != last {
		panic(fmt.Sprintf("add_row: vector %v does not match last axis of %v", row.shape, x.shape))
	}
	out := x.Clone()
	for i := range out.data {
		out.data[i] += row.data[i%last]
	}
	return out
}

// SumToRow reduces every leading axis, returning a rank-1 tensor of the last
// axis length. It is the gradient of AddRowVector with respect to the row.
func SumToRow(x *Tensor) *Tensor {
	last := x.shape[len(x.shape)-1]
	out := Zeros(Shape{last})
	for i, v := range x.data {
		out.data[i%last] += v
	}
	return out
}

// Sum adds a list of same-shaped tensors element-wise, in list order.
func Sum(ts []*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("sum: at least one tensor required")
	}
	out := ts[0].Clone()
	for _, t := range ts[1:] {
		AddInPlace(out, t)
	}
	return out
}

// ReLU applies max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		if v < 0 {
			out.data[i] = 0
		}
	}
	return out
}

// ReLUBackward masks grad where the forward input was not positive.
func ReLUBackward(x, grad *Tensor) *Tensor {
	mustSameShape("relu_backward", x, grad)
	out := grad.Clone()
	for i, v := range x.data {
		if v <= 0 {
			out.data[i] = 0
		}
	}
	return out
}

const (
	geluC    = float32(0.044715)
	geluSqrt = float32(0.7978845608028654) // sqrt(2/pi)
)

// GELU applies the tanh approximation of the Gaussian error linear unit.
func GELU(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		inner := geluSqrt * (v + geluC*v*v*v)
		out.data[i] = 0.5 * v * (1 + math32.Tanh(inner))
	}
	return out
}

// GELUBackward returns grad * dGELU/dx evaluated at x.
func GELUBackward(x, grad *Tensor) *Tensor {
	mustSameShape("gelu_backward", x, grad)
	out := grad.Clone()
	for i, v := range x.data {
		inner := geluSqrt * (v + geluC*v*v*v)
		th := math32.Tanh(inner)
		dInner := geluSqrt * (1 + 3*geluC*v*v)
		d := 0.5*(1+th) + 0.5*v*(1-th*th)*dInner
		out.data[i] *= d
	}
	return out
}

// MaxAbsDiff returns max |a - b| over all elements.
func MaxAbsDiff(a, b *Tensor) float32 {
	mustSameShape("max_abs_diff", a, b)
	var m float32
	for i, v := range a.data {
		if d := math32.Abs(v - b.data[i]); d > m {
			m = d
		}
	}
	return m
}

// AllClose reports |a - b| <= atol + rtol*|b| element-wise.
func AllClose(a, b *Tensor, atol, rtol float32) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i, v := range a.data {
		w := b.data[i]
		if math32.Abs(v-w) > atol+rtol*math32.Abs(w) {
			return false
		}
	}
	return true
}
