package executor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Forward runs every shard on its share of args and returns the combined
// output. args[0] is the input activation; further positional arguments and
// Kwarg values are side inputs (see SideInputReceiver). Each argument is
// split, replicated or transformed according to its role in the plan.
//
// Any shard failure aborts the whole call and is returned as an
// ExecutionError naming the shard.
func (e *Executor) Forward(ctx context.Context, args ...any) (*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed
	}
	defer e.logTiming("forward", time.Now())

	ca, err := parseArgs(args)
	if err != nil {
		return nil, err
	}
	if err := e.precheck(ca); err != nil {
		return nil, err
	}
	e.lastInputRole = e.plan.Role(ca.keys[0], ca.values[0])

	outs := make([]*tensor.Tensor, len(e.units))
	var combined *tensor.Tensor
	err = e.each(ctx, "forward", func(ctx context.Context, u *unit, c comm.Communicator) error {
		u.ran = false
		local, err := e.localArgs(ctx, c, u.shard.Index, ca)
		if err != nil {
			return err
		}
		x, err := deliverSideInputs(u, ca, local)
		if err != nil {
			return err
		}
		for _, h := range e.hooks {
			if err := h.BeforeForward(ctx, u.shard, c); err != nil {
				return err
			}
		}
		out, err := e.forwardChain(ctx, u, c, x)
		if err != nil {
			return err
		}
		for _, h := range e.hooks {
			if err := h.AfterForward(ctx, u.shard, c); err != nil {
				return err
			}
		}
		u.ran = true
		if e.mode == Processes {
			combined, err = e.combineCollective(ctx, c, e.plan.Output, out)
			return errors.Wrap(err, "combining output")
		}
		outs[u.shard.Index] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.mode == Processes {
		return combined, nil
	}
	combined, err = e.plan.Output.Apply(outs, e.plan.Policy)
	if err != nil {
		return nil, errors.Wrapf(err, "combining shard outputs with %v", e.plan.Output)
	}
	klog.V(2).Infof("executor %s: output %v on %v", e.id, combined.Shape(), e.OutputDevice())
	return combined, nil
}

// forwardChain runs the shard's operators in plan order, redistributing
// each operator's input as the plan requires.
func (e *Executor) forwardChain(ctx context.Context, u *unit, c comm.Communicator, x *tensor.Tensor) (*tensor.Tensor, error) {
	for i, step := range e.plan.Steps {
		var err error
		if x, err = e.redistribute(ctx, c, step, x); err != nil {
			return nil, errors.Wrapf(err, "operator %q input", step.Path)
		}
		x = u.leaves[i].Module.Forward(x)
	}
	return x, nil
}

func (e *Executor) redistribute(ctx context.Context, c comm.Communicator, step slicing.Step, x *tensor.Tensor) (*tensor.Tensor, error) {
	n := e.plan.NumParts
	switch step.Input.Kind {
	case slicing.CollectiveScatter:
		if !tensor.Divisible(x.Shape(), step.Input.Axis, n) {
			return nil, tperr.NotDivisible("input of "+step.Path, x.Shape(), step.Input.Axis, n)
		}
		return e.plan.Policy.Slice(x, c.Rank(), n, step.Input.Axis), nil
	case slicing.CollectiveAllGather:
		parts, err := c.AllGather(ctx, x)
		if err != nil {
			return nil, err
		}
		return step.Input.Combine.Apply(parts, e.plan.Policy)
	case slicing.CollectiveAllReduce:
		return c.AllReduceSum(ctx, x)
	default:
		return x, nil
	}
}

// redistributeGrad is the backward of redistribute: it maps the gradient of
// the redistributed input back to the gradient of the incoming activation.
func (e *Executor) redistributeGrad(ctx context.Context, c comm.Communicator, step slicing.Step, g *tensor.Tensor) (*tensor.Tensor, error) {
	n := e.plan.NumParts
	switch step.Input.Kind {
	case slicing.CollectiveScatter:
		parts, err := c.AllGather(ctx, g)
		if err != nil {
			return nil, err
		}
		return slicing.Concat(step.Input.Axis).Apply(parts, e.plan.Policy)
	case slicing.CollectiveAllGather:
		return e.plan.Policy.Slice(g, c.Rank(), n, step.Input.Combine.Axis), nil
	default:
		return g, nil
	}
}

// Backward propagates grad, the gradient of the combined output of the last
// Forward, through every shard. Parameter gradients accumulate on the
// shards (see Gradients). It returns the gradient of the input activation,
// or nil when the first operator has none (an embedding lookup) or the
// input had a custom role.
func (e *Executor) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed
	}
	defer e.logTiming("backward", time.Now())

	// A failed forward returns before every worker has finished.
	e.inflight.Wait()
	for _, u := range e.units {
		if !u.ran {
			return nil, errors.New("backward without a successful forward")
		}
	}
	if grad == nil && (e.mode == Threads || e.pg.Rank() == 0) {
		return nil, errors.New("backward needs the output gradient")
	}
	out := e.plan.Output
	if out.Kind == slicing.CombineCustom {
		return nil, tperr.Configf("backward through the custom output combine %q is not supported", out.Name)
	}
	if e.mode == Threads && out.Kind == slicing.CombineConcat && !tensor.Divisible(grad.Shape(), out.Axis, e.plan.NumParts) {
		return nil, tperr.NotDivisible("output gradient", grad.Shape(), out.Axis, e.plan.NumParts)
	}

	grads := make([]*tensor.Tensor, len(e.units))
	var combined *tensor.Tensor
	err := e.each(ctx, "backward", func(ctx context.Context, u *unit, c comm.Communicator) error {
		g := grad
		if e.mode == Processes {
			var err error
			if g, err = c.Broadcast(ctx, grad, 0); err != nil {
				return errors.Wrap(err, "broadcasting output gradient")
			}
		}
		g, err := e.outputGrad(c, g)
		if err != nil {
			return err
		}
		for _, h := range e.hooks {
			if err := h.BeforeBackward(ctx, u.shard, c); err != nil {
				return err
			}
		}
		g, err = e.backwardChain(ctx, u, c, g)
		if err != nil {
			return err
		}
		for _, h := range e.hooks {
			if err := h.AfterBackward(ctx, u.shard, c); err != nil {
				return err
			}
		}
		if e.mode == Processes {
			combined, err = e.combineInputGrad(ctx, c, g)
			return err
		}
		grads[u.shard.Index] = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.mode == Processes {
		return combined, nil
	}
	if grads[0] == nil || e.lastInputRole.Kind == slicing.RoleCustom {
		return nil, nil
	}
	return e.inputGradCombine().Apply(grads, e.plan.Policy)
}

// outputGrad is shard c.Rank()'s share of the output gradient.
func (e *Executor) outputGrad(c comm.Communicator, g *tensor.Tensor) (*tensor.Tensor, error) {
	out := e.plan.Output
	n := e.plan.NumParts
	switch out.Kind {
	case slicing.CombineConcat:
		if !tensor.Divisible(g.Shape(), out.Axis, n) {
			return nil, tperr.NotDivisible("output gradient", g.Shape(), out.Axis, n)
		}
		return e.plan.Policy.Slice(g, c.Rank(), n, out.Axis), nil
	case slicing.CombineMean:
		return tensor.Scale(g, 1/float32(n)), nil
	default:
		// Sum and select: every shard's output fed the result in full.
		return g.Clone(), nil
	}
}

func (e *Executor) backwardChain(ctx context.Context, u *unit, c comm.Communicator, g *tensor.Tensor) (*tensor.Tensor, error) {
	for i := len(e.plan.Steps) - 1; i >= 0; i-- {
		step := e.plan.Steps[i]
		g = u.leaves[i].Module.Backward(g)
		if g == nil {
			return nil, nil
		}
		var err error
		if step.PartialInputGrad {
			if g, err = c.AllReduceSum(ctx, g); err != nil {
				return nil, errors.Wrapf(err, "operator %q input gradient", step.Path)
			}
		}
		if g, err = e.redistributeGrad(ctx, c, step, g); err != nil {
			return nil, errors.Wrapf(err, "operator %q input gradient", step.Path)
		}
	}
	return g, nil
}

// inputGradCombine recombines per-shard input gradients following the role
// the input was distributed with.
func (e *Executor) inputGradCombine() slicing.CombineAction {
	if e.lastInputRole.Kind == slicing.RoleSplitBatch {
		return slicing.Concat(e.lastInputRole.Axis)
	}
	return slicing.SelectOne(0)
}

func (e *Executor) combineInputGrad(ctx context.Context, c comm.Communicator, g *tensor.Tensor) (*tensor.Tensor, error) {
	if e.lastInputRole.Kind == slicing.RoleCustom {
		return nil, nil
	}
	// Every rank reaches this point with the same nil-ness, so skipping the
	// collective keeps ranks in step.
	if g == nil {
		return nil, nil
	}
	return e.combineCollective(ctx, c, e.inputGradCombine(), g)
}

// combineCollective applies comb across ranks so that every rank ends up
// with the combined tensor.
func (e *Executor) combineCollective(ctx context.Context, c comm.Communicator, comb slicing.CombineAction, t *tensor.Tensor) (*tensor.Tensor, error) {
	switch comb.Kind {
	case slicing.CombineNone:
		return t, nil
	case slicing.CombineSum:
		return c.AllReduceSum(ctx, t)
	case slicing.CombineMean:
		sum, err := c.AllReduceSum(ctx, t)
		if err != nil {
			return nil, err
		}
		if c.WorldSize() == 1 {
			return sum, nil
		}
		return tensor.Scale(sum, 1/float32(c.WorldSize())), nil
	case slicing.CombineSelectOne:
		var src *tensor.Tensor
		if c.Rank() == comb.Index {
			src = t
		}
		return c.Broadcast(ctx, src, comb.Index)
	default:
		parts, err := c.AllGather(ctx, t)
		if err != nil {
			return nil, err
		}
		return comb.Apply(parts, e.plan.Policy)
	}
}

// Gradients returns the full gradient of every parameter that has one,
// keyed by dotted path, recombined from the shards with each parameter's
// gradient combine. In process mode every rank must call it and every rank
// receives the full set.
func (e *Executor) Gradients(ctx context.Context) (map[string]*tensor.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errClosed
	}
	out := make(map[string]*tensor.Tensor)
	if e.mode == Processes {
		err := e.each(ctx, "gradients", func(ctx context.Context, u *unit, c comm.Communicator) error {
			for _, pp := range e.plan.Params {
				g := u.shard.Params[pp.Path].Grad()
				if g == nil {
					continue
				}
				full, err := e.combineCollective(ctx, c, pp.Grad, g)
				if err != nil {
					return errors.Wrapf(err, "parameter %q", pp.Path)
				}
				out[pp.Path] = full
			}
			return nil
		})
		return out, err
	}

	e.inflight.Wait()
	for _, pp := range e.plan.Params {
		parts := make([]*tensor.Tensor, 0, len(e.units))
		for _, u := range e.units {
			if g := u.shard.Params[pp.Path].Grad(); g != nil {
				parts = append(parts, g)
			}
		}
		switch len(parts) {
		case 0:
			continue
		case len(e.units):
		default:
			return nil, errors.Errorf("parameter %q has a gradient on %d of %d shards", pp.Path, len(parts), len(e.units))
		}
		full, err := pp.Grad.Apply(parts, e.plan.Policy)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %q", pp.Path)
		}
		out[pp.Path] = full
	}
	return out, nil
}
