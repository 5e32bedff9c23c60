// Package optim updates the parameters of a parallel module in place, each
// shard on its own worker.
//
// Optimizers here are element-wise: the update of every element depends
// only on that element's gradient and state. A shard holding a slice of a
// parameter can then update its slice alone and match the same slice of an
// unsharded update. Replicated and custom parameters first recombine their
// gradient with the plan's gradient combine; custom parameters are then
// updated through their transform, which must be linear.
//
// Example:
//
//	opt := optim.NewAdam(optim.AdamConfig{LR: 1e-3})
//	for range steps {
//	    out, _ := m.Forward(ctx, x)
//	    m.Backward(ctx, lossGrad(out))
//	    m.Step(ctx, opt)
//	    m.ZeroGrad(ctx)
//	}
package optim

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Optimizer computes parameter updates.
type Optimizer interface {
	// Delta returns the amount to subtract from the tensor identified by
	// key given its gradient. It must be element-wise in grad. Calls for
	// distinct keys may run concurrently.
	Delta(key string, grad *tensor.Tensor) *tensor.Tensor

	// LR returns the current learning rate.
	LR() float32

	// SetLR sets the learning rate, e.g. from a schedule.
	SetLR(lr float32)
}

// stateMap holds per-key optimizer state.
type stateMap[S any] struct {
	mu    sync.Mutex
	state map[string]*S
}

func (m *stateMap[S]) get(key string, init func() *S) *S {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = make(map[string]*S)
	}
	s, ok := m.state[key]
	if !ok {
		s = init()
		m.state[key] = s
	}
	return s
}

// lrBox is the learning rate shared by every worker of a step.
type lrBox struct {
	mu sync.RWMutex
	lr float32
}

func (b *lrBox) LR() float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lr
}

func (b *lrBox) SetLR(lr float32) {
	b.mu.Lock()
	b.lr = lr
	b.mu.Unlock()
}

// Target is a parallel module whose shards can be updated in place. It is
// implemented by *executor.Executor.
type Target interface {
	Plan() *slicing.Plan
	Each(ctx context.Context, fn func(ctx context.Context, s *shard.Shard, c comm.Communicator) error) error
}

// Partitioned holds parameter slices outside the shards' modules. It is
// implemented by *overlay.Overlay.
type Partitioned interface {
	Update(ctx context.Context, fn func(index int, path string, data, grad *tensor.Tensor) *tensor.Tensor) error
}

// Step applies one update of opt to every trainable parameter of t that has
// a gradient, then to the slices held by parts. Gradients are left in place.
//
// Split parameters are updated from the shard's own gradient slice.
// Replicated and custom parameters first recombine the full gradient from
// every shard, so replicas stay identical; a custom parameter then receives
// its transform of the full update.
func Step(ctx context.Context, t Target, opt Optimizer, parts ...Partitioned) error {
	plan := t.Plan()
	err := t.Each(ctx, func(ctx context.Context, s *shard.Shard, c comm.Communicator) error {
		for _, pp := range plan.Params {
			param := s.Param(pp.Path)
			if param == nil || !param.Trainable() || param.Tensor() == nil || param.Grad() == nil {
				continue
			}
			delta, err := shardDelta(ctx, plan, pp, s.Index, param.Grad(), c, opt)
			if err != nil {
				return errors.Wrapf(err, "updating %q", pp.Path)
			}
			param.SetTensor(tensor.Sub(param.Tensor(), delta))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range parts {
		err := p.Update(ctx, func(index int, path string, data, grad *tensor.Tensor) *tensor.Tensor {
			return tensor.Sub(data, opt.Delta(key(index, path), grad))
		})
		if err != nil {
			return err
		}
	}
	klog.V(2).Infof("optim: step over %d parameters, lr %g", len(plan.Params), opt.LR())
	return nil
}

// shardDelta returns the update of shard index's copy of pp.
func shardDelta(ctx context.Context, plan *slicing.Plan, pp slicing.ParamPlan, index int, grad *tensor.Tensor, c comm.Communicator, opt Optimizer) (*tensor.Tensor, error) {
	k := key(index, pp.Path)
	if pp.Action.Kind == slicing.ActionSplit {
		return opt.Delta(k, grad), nil
	}
	parts, err := c.AllGather(ctx, grad)
	if err != nil {
		return nil, err
	}
	full, err := pp.Grad.Apply(parts, plan.Policy)
	if err != nil {
		return nil, err
	}
	delta := opt.Delta(k, full)
	if pp.Action.Kind == slicing.ActionReplicate {
		return delta, nil
	}
	return pp.Action.Apply(delta, index, plan.NumParts, plan.Policy)
}

func key(index int, path string) string {
	return strconv.Itoa(index) + "/" + path
}
