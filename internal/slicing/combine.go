package slicing

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// CombineKind enumerates output recombination actions.
type CombineKind uint8

const (
	// CombineNone leaves the output as is (only valid for Full layouts
	// inside the chain).
	CombineNone CombineKind = iota
	// CombineConcat concatenates the parts along an axis.
	CombineConcat
	// CombineSum adds the parts element-wise in shard order.
	CombineSum
	// CombineSelectOne keeps a single shard's output.
	CombineSelectOne
	// CombineMean averages the parts element-wise.
	CombineMean
	// CombineCustom runs a user function.
	CombineCustom
)

// CombineFunc merges per-shard parts, in shard order, into one tensor.
type CombineFunc func(parts []*tensor.Tensor) (*tensor.Tensor, error)

// CombineAction recombines per-shard tensors.
type CombineAction struct {
	Kind  CombineKind
	Axis  int
	Index int
	Name  string
	Fn    CombineFunc
}

// Concat concatenates along axis.
func Concat(axis int) CombineAction { return CombineAction{Kind: CombineConcat, Axis: axis} }

// Sum adds the parts.
func Sum() CombineAction { return CombineAction{Kind: CombineSum} }

// SelectOne keeps shard index's part.
func SelectOne(index int) CombineAction { return CombineAction{Kind: CombineSelectOne, Index: index} }

// Mean averages the parts.
func Mean() CombineAction { return CombineAction{Kind: CombineMean} }

// CustomCombine wraps a user function.
func CustomCombine(name string, fn CombineFunc) CombineAction {
	return CombineAction{Kind: CombineCustom, Name: name, Fn: fn}
}

func (c CombineAction) String() string {
	switch c.Kind {
	case CombineConcat:
		return fmt.Sprintf("concat(%d)", c.Axis)
	case CombineSum:
		return "sum"
	case CombineSelectOne:
		return fmt.Sprintf("select(%d)", c.Index)
	case CombineMean:
		return "mean"
	case CombineCustom:
		return "custom(" + c.Name + ")"
	default:
		return "none"
	}
}

// Apply merges parts, which must be in shard order.
func (c CombineAction) Apply(parts []*tensor.Tensor, policy SplitPolicy) (*tensor.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("combine: no parts")
	}
	switch c.Kind {
	case CombineNone:
		if len(parts) != 1 {
			return nil, errors.Errorf("combine none: expected 1 part, got %d", len(parts))
		}
		return parts[0], nil
	case CombineConcat:
		if err := checkConcat(parts, c.Axis); err != nil {
			return nil, err
		}
		if policy == Strided {
			if err := checkSameShape(parts); err != nil {
				return nil, err
			}
		}
		return policy.Cat(parts, c.Axis), nil
	case CombineSum, CombineMean:
		if err := checkSameShape(parts); err != nil {
			return nil, err
		}
		out := tensor.Sum(parts)
		if c.Kind == CombineMean && len(parts) > 1 {
			out = tensor.Scale(out, 1/float32(len(parts)))
		}
		return out, nil
	case CombineSelectOne:
		if c.Index < 0 || c.Index >= len(parts) {
			return nil, errors.Errorf("combine select: index %d out of range for %d parts", c.Index, len(parts))
		}
		return parts[c.Index], nil
	case CombineCustom:
		if c.Fn == nil {
			return nil, errors.Errorf("combine custom %q: no function", c.Name)
		}
		return c.Fn(parts)
	default:
		return nil, errors.Errorf("combine: unknown kind %d", c.Kind)
	}
}

func checkSameShape(parts []*tensor.Tensor) error {
	for i, p := range parts[1:] {
		if !p.Shape().Equal(parts[0].Shape()) {
			return errors.Errorf("combine: part %d has shape %v, part 0 has %v", i+1, p.Shape(), parts[0].Shape())
		}
	}
	return nil
}

func checkConcat(parts []*tensor.Tensor, axis int) error {
	s0 := parts[0].Shape()
	a, err := s0.NormalizeAxis(axis)
	if err != nil {
		return errors.Wrap(err, "combine concat")
	}
	for i, p := range parts[1:] {
		s := p.Shape()
		if len(s) != len(s0) {
			return errors.Errorf("combine concat: part %d has rank %d, part 0 has %d", i+1, len(s), len(s0))
		}
		for d := range s {
			if d != a && s[d] != s0[d] {
				return errors.Errorf("combine concat: part %d shape %v incompatible with %v on axis %d", i+1, s, s0, a)
			}
		}
	}
	return nil
}

// SplitPolicy chooses which elements of a split axis a shard owns.
type SplitPolicy uint8

const (
	// Contiguous gives shard i the block [i*size/n, (i+1)*size/n).
	Contiguous SplitPolicy = iota
	// Strided gives shard i every element j with j mod n == i.
	Strided
)

func (p SplitPolicy) String() string {
	if p == Strided {
		return "strided"
	}
	return "contiguous"
}

// ParseSplitPolicy parses "contiguous" or "strided" ("" is contiguous).
func ParseSplitPolicy(s string) (SplitPolicy, error) {
	switch s {
	case "", "contiguous":
		return Contiguous, nil
	case "strided":
		return Strided, nil
	default:
		return Contiguous, errors.Errorf("unknown split policy %q", s)
	}
}

// Chunk splits t into n parts along axis.
func (p SplitPolicy) Chunk(t *tensor.Tensor, n, axis int) []*tensor.Tensor {
	if p == Strided {
		return tensor.ChunkStrided(t, n, axis)
	}
	return tensor.Chunk(t, n, axis)
}

// Slice returns shard index's part of t along axis.
func (p SplitPolicy) Slice(t *tensor.Tensor, index, n, axis int) *tensor.Tensor {
	if p == Strided {
		return tensor.ChunkStrided(t, n, axis)[index]
	}
	a, err := t.Shape().NormalizeAxis(axis)
	if err != nil {
		panic(err)
	}
	step := t.Shape()[a] / n
	return tensor.Narrow(t, a, index*step, step)
}

// Cat is the inverse of Chunk.
func (p SplitPolicy) Cat(parts []*tensor.Tensor, axis int) *tensor.Tensor {
	if p == Strided {
		return tensor.CatStrided(parts, axis)
	}
	return tensor.Cat(parts, axis)
}
