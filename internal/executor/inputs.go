package executor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Kwarg is a named forward argument. Its sharding role is looked up in the
// config's Inputs by Name.
type Kwarg struct {
	Name  string
	Value any
}

// Named builds a Kwarg.
func Named(name string, value any) Kwarg { return Kwarg{Name: name, Value: value} }

// SideInputReceiver is implemented by operators that read forward arguments
// besides the activation, such as masks or flags. Before a forward runs,
// each such operator of a shard receives that shard's share of the extra
// positional arguments and of the named ones.
type SideInputReceiver interface {
	SetSideInputs(args []any, named map[string]any) error
}

// callArgs is the argument list of one forward call, split into the
// activation and the side inputs.
type callArgs struct {
	keys       []string
	values     []any
	positional int
}

func parseArgs(args []any) (callArgs, error) {
	var ca callArgs
	positional := 0
	seen := make(map[string]bool)
	for _, a := range args {
		if kw, ok := a.(Kwarg); ok {
			if seen[kw.Name] {
				return ca, errors.Errorf("keyword argument %q given twice", kw.Name)
			}
			seen[kw.Name] = true
			ca.keys = append(ca.keys, kw.Name)
			ca.values = append(ca.values, kw.Value)
			continue
		}
		if positional != len(ca.keys) {
			return ca, errors.New("positional argument after keyword argument")
		}
		ca.keys = append(ca.keys, slicing.ArgKey(positional))
		ca.values = append(ca.values, a)
		positional++
	}
	ca.positional = positional
	if positional == 0 {
		return ca, errors.New("forward needs the input activation as its first positional argument")
	}
	if _, ok := ca.values[0].(*tensor.Tensor); !ok {
		return ca, errors.Errorf("first positional argument must be a *tensor.Tensor, got %T", ca.values[0])
	}
	return ca, nil
}

// precheck validates batch splits on the calling goroutine, so a bad input
// fails as a ShapeError before anything is dispatched.
func (e *Executor) precheck(ca callArgs) error {
	n := e.plan.NumParts
	for i, v := range ca.values {
		role := e.plan.Role(ca.keys[i], v)
		if role.Kind != slicing.RoleSplitBatch {
			continue
		}
		t, ok := v.(*tensor.Tensor)
		if !ok {
			return tperr.Configf("input %q: batch-split role on a %T", ca.keys[i], v)
		}
		if t == nil {
			continue
		}
		if !tensor.Divisible(t.Shape(), role.Axis, n) {
			return tperr.NotDivisible("input "+ca.keys[i], t.Shape(), role.Axis, n)
		}
	}
	return nil
}

// localArgs returns shard index's share of the call's arguments. In process
// mode tensors are taken from rank 0 so that every rank sees the same batch.
func (e *Executor) localArgs(ctx context.Context, c comm.Communicator, index int, ca callArgs) ([]any, error) {
	n := e.plan.NumParts
	out := make([]any, len(ca.values))
	for i, v := range ca.values {
		key := ca.keys[i]
		role := e.plan.Role(key, v)
		if t, isTensor := v.(*tensor.Tensor); isTensor && e.mode == Processes && role.Kind != slicing.RoleCustom {
			var err error
			if v, err = c.Broadcast(ctx, t, 0); err != nil {
				return nil, errors.Wrapf(err, "broadcasting input %q", key)
			}
		}
		switch role.Kind {
		case slicing.RoleSplitBatch:
			t := v.(*tensor.Tensor)
			if !tensor.Divisible(t.Shape(), role.Axis, n) {
				return nil, tperr.NotDivisible("input "+key, t.Shape(), role.Axis, n)
			}
			out[i] = e.plan.Policy.Slice(t, index, n, role.Axis)
		case slicing.RoleCustom:
			if role.Fn == nil {
				return nil, tperr.Configf("input %q: custom role %q has no function", key, role.Name)
			}
			r, err := role.Fn(v, index, n)
			if err != nil {
				return nil, errors.Wrapf(err, "input %q: custom role %q", key, role.Name)
			}
			out[i] = r
		default:
			if t, ok := v.(*tensor.Tensor); ok && t != nil && e.mode == Threads {
				// Workers never share a buffer.
				v = t.Clone()
			}
			out[i] = v
		}
	}
	return out, nil
}

// deliverSideInputs hands the extra arguments to every operator that reads
// them and returns the activation.
func deliverSideInputs(u *unit, ca callArgs, local []any) (*tensor.Tensor, error) {
	x, ok := local[0].(*tensor.Tensor)
	if !ok || x == nil {
		return nil, errors.Errorf("input activation is %T after its role was applied", local[0])
	}
	var positional []any
	named := make(map[string]any)
	for i := 1; i < len(local); i++ {
		if i < ca.positional {
			positional = append(positional, local[i])
			continue
		}
		named[ca.keys[i]] = local[i]
	}
	receivers := 0
	for _, l := range u.leaves {
		r, ok := l.Module.(SideInputReceiver)
		if !ok {
			continue
		}
		receivers++
		if err := r.SetSideInputs(positional, named); err != nil {
			return nil, errors.Wrapf(err, "operator %q side inputs", l.Path)
		}
	}
	if receivers == 0 && len(local) > 1 {
		return nil, errors.Errorf("%d extra arguments given but no operator reads side inputs", len(local)-1)
	}
	return x, nil
}
