package tensor

import (
	"fmt"
)

func mustAxis(op string, s Shape, axis int) int {
	a, err := s.NormalizeAxis(axis)
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}
	return a
}

// Cat concatenates tensors along axis.
//
// All tensors must have the same shape except along the concatenation axis.
// Supports negative axis indexing (-1 = last axis).
func Cat(ts []*Tensor, axis int) *Tensor {
	if len(ts) == 0 {
		panic("cat: at least one tensor required")
	}
	shape := ts[0].shape
	axis = mustAxis("cat", shape, axis)

	total := 0
	for i, t := range ts {
		if t.Rank() != len(shape) {
			panic(fmt.Sprintf("cat: tensor %d has %d dimensions, expected %d", i, t.Rank(), len(shape)))
		}
		for d := range shape {
			if d == axis {
				total += t.shape[d]
			} else if t.shape[d] != shape[d] {
				panic(fmt.Sprintf("cat: tensor %d dimension %d is %d, expected %d", i, d, t.shape[d], shape[d]))
			}
		}
	}

	outShape := shape.Clone()
	outShape[axis] = total
	out := Zeros(outShape)

	outer, inner := shape.OuterInner(axis)
	offset := 0
	for _, t := range ts {
		size := t.shape[axis]
		for o := 0; o < outer; o++ {
			src := o * size * inner
			dst := (o*total + offset) * inner
			copy(out.data[dst:dst+size*inner], t.data[src:src+size*inner])
		}
		offset += size
	}
	return out
}

// Narrow returns a copy of the [start, start+length) range along axis.
func Narrow(t *Tensor, axis, start, length int) *Tensor {
	axis = mustAxis("narrow", t.shape, axis)
	if start < 0 || length <= 0 || start+length > t.shape[axis] {
		panic(fmt.Sprintf("narrow: range [%d,%d) out of bounds for axis %d of %v", start, start+length, axis, t.shape))
	}
	outShape := t.shape.Clone()
	outShape[axis] = length
	out := Zeros(outShape)

	outer, inner := t.shape.OuterInner(axis)
	size := t.shape[axis]
	for o := 0; o < outer; o++ {
		src := (o*size + start) * inner
		dst := o * length * inner
		copy(out.data[dst:dst+length*inner], t.data[src:src+length*inner])
	}
	return out
}

// Chunk splits t into n equal contiguous parts along axis.
//
// The axis size must be divisible by n; callers that need a recoverable error
// check Divisible first.
func Chunk(t *Tensor, n, axis int) []*Tensor {
	if n <= 0 {
		panic(fmt.Sprintf("chunk: n must be positive, got %d", n))
	}
	axis = mustAxis("chunk", t.shape, axis)
	size := t.shape[axis]
	if size%n != 0 {
		panic(fmt.Sprintf("chunk: axis %d of %v (size %d) is not divisible by %d", axis, t.shape, size, n))
	}
	step := size / n
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i] = Narrow(t, axis, i*step, step)
	}
	return parts
}

// Divisible reports whether axis of shape splits evenly into n parts.
func Divisible(shape Shape, axis, n int) bool {
	a, err := shape.NormalizeAxis(axis)
	if err != nil || n <= 0 {
		return false
	}
	return shape[a]%n == 0
}

// ChunkStrided splits t into n parts along axis, where index j of the axis
// goes to part j mod n. The axis size must be divisible by n.
func ChunkStrided(t *Tensor, n, axis int) []*Tensor {
	axis = mustAxis("chunk_strided", t.shape, axis)
	size := t.shape[axis]
	if n <= 0 || size%n != 0 {
		panic(fmt.Sprintf("chunk_strided: axis %d of %v (size %d) is not divisible by %d", axis, t.shape, size, n))
	}
	step := size / n
	outShape := t.shape.Clone()
	outShape[axis] = step
	outer, inner := t.shape.OuterInner(axis)

	parts := make([]*Tensor, n)
	for p := range parts {
		part := Zeros(outShape)
		for o := 0; o < outer; o++ {
			for j := 0; j < step; j++ {
				src := (o*size + j*n + p) * inner
				dst := (o*step + j) * inner
				copy(part.data[dst:dst+inner], t.data[src:src+inner])
			}
		}
		parts[p] = part
	}
	return parts
}

// CatStrided is the inverse of ChunkStrided.
func CatStrided(ts []*Tensor, axis int) *Tensor {
	if len(ts) == 0 {
		panic("cat_strided: at least one tensor required")
	}
	n := len(ts)
	shape := ts[0].shape
	axis = mustAxis("cat_strided", shape, axis)
	for i, t := range ts {
		if !t.shape.Equal(shape) {
			panic(fmt.Sprintf("cat_strided: tensor %d has shape %v, expected %v", i, t.shape, shape))
		}
	}
	step := shape[axis]
	outShape := shape.Clone()
	outShape[axis] = step * n
	out := Zeros(outShape)
	outer, inner := shape.OuterInner(axis)
	size := step * n
	for p, part := range ts {
		for o := 0; o < outer; o++ {
			for j := 0; j < step; j++ {
				dst := (o*size + j*n + p) * inner
				src := (o*step + j) * inner
				copy(out.data[dst:dst+inner], part.data[src:src+inner])
			}
		}
	}
	return out
}

// Flatten returns a rank-1 copy of t.
func Flatten(t *Tensor) *Tensor {
	return t.Clone().Reshape(-1)
}

// PadFlat returns a rank-1 copy of t zero-padded to length.
func PadFlat(t *Tensor, length int) *Tensor {
	if length < len(t.data) {
		panic(fmt.Sprintf("pad: length %d shorter than %d elements", length, len(t.data)))
	}
	out := Zeros(Shape{length})
	copy(out.data, t.data)
	return out
}

// Unflatten takes the first shape.NumElements() values of a rank-1 tensor
// and reshapes them to shape. Trailing padding is dropped.
func Unflatten(flat *Tensor, shape Shape) *Tensor {
	n := shape.NumElements()
	if flat.Rank() != 1 || len(flat.data) < n {
		panic(fmt.Sprintf("unflatten: %v cannot hold %v", flat.shape, shape))
	}
	out := Zeros(shape)
	copy(out.data, flat.data[:n])
	return out
}
