// Package adapter presents a parallel module under the calling contract of
// the model it was built from.
//
// The forwarded operations are listed explicitly. The configuration record
// is copied from the original model; input validation and generation input
// preparation are answered by shard 0, which has the same structure as every
// other shard; cache reordering runs on every shard so that per-shard state
// stays in step. An operation the shard's module does not implement fails
// with tperr.ErrUnsupported.
package adapter

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Engine is the parallel execution the adapter forwards to.
type Engine interface {
	Forward(ctx context.Context, args ...any) (*tensor.Tensor, error)
	Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error)
	Each(ctx context.Context, fn func(ctx context.Context, s *shard.Shard, c comm.Communicator) error) error
	Shards() []*shard.Shard
}

// Configured is implemented by models that carry a configuration record,
// such as those produced by a model loader.
type Configured interface {
	nn.Module
	ModelConfig() any
}

// GenerationInputs is what a model needs for one decoding step.
type GenerationInputs struct {
	InputIDs *tensor.Tensor
	Past     any
	Kwargs   map[string]any
}

// InputPreparer builds the inputs of the next decoding step from the
// tokens so far and the opaque past state.
type InputPreparer interface {
	PrepareInputsForGeneration(ids *tensor.Tensor, past any, kwargs map[string]any) (GenerationInputs, error)
}

// KwargsValidator rejects generation arguments the model does not use.
type KwargsValidator interface {
	ValidateModelKwargs(kwargs map[string]any) error
}

// ClassValidator reports whether the model can be used for generation.
type ClassValidator interface {
	ValidateModelClass() error
}

// CacheReorderer returns past with its batch rows selected by beamIdx.
// It must not modify past.
type CacheReorderer interface {
	ReorderCache(past any, beamIdx []int) (any, error)
}

// Model is a parallel module dressed as the model it was built from.
type Model struct {
	engine Engine
	config any
}

// Wrap returns the adapter for engine, carrying config as the model's
// configuration record.
func Wrap(engine Engine, config any) *Model {
	return &Model{engine: engine, config: config}
}

// Config returns the configuration record of the original model.
func (m *Model) Config() any { return m.config }

// Engine returns the wrapped parallel module.
func (m *Model) Engine() Engine { return m.engine }

// Forward runs the parallel forward pass.
func (m *Model) Forward(ctx context.Context, args ...any) (*tensor.Tensor, error) {
	return m.engine.Forward(ctx, args...)
}

// Backward runs the parallel backward pass.
func (m *Model) Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error) {
	return m.engine.Backward(ctx, grad)
}

func (m *Model) first() nn.Module {
	return m.engine.Shards()[0].Module
}

func unsupported(op string, mod nn.Module) error {
	return errors.Wrapf(tperr.ErrUnsupported, "%s on %T", op, mod)
}

// ValidateModelClass asks shard 0 whether the model supports generation.
func (m *Model) ValidateModelClass() error {
	mod := m.first()
	v, ok := mod.(ClassValidator)
	if !ok {
		return unsupported("ValidateModelClass", mod)
	}
	return v.ValidateModelClass()
}

// ValidateModelKwargs asks shard 0 to check generation arguments.
func (m *Model) ValidateModelKwargs(kwargs map[string]any) error {
	mod := m.first()
	v, ok := mod.(KwargsValidator)
	if !ok {
		return unsupported("ValidateModelKwargs", mod)
	}
	return v.ValidateModelKwargs(kwargs)
}

// PrepareInputsForGeneration asks shard 0 for the next step's inputs.
func (m *Model) PrepareInputsForGeneration(ids *tensor.Tensor, past any, kwargs map[string]any) (GenerationInputs, error) {
	mod := m.first()
	p, ok := mod.(InputPreparer)
	if !ok {
		return GenerationInputs{}, unsupported("PrepareInputsForGeneration", mod)
	}
	return p.PrepareInputsForGeneration(ids, past, kwargs)
}

// ReorderCache reorders past by beamIdx on every shard, each on its own
// worker, and returns shard 0's result.
func (m *Model) ReorderCache(ctx context.Context, past any, beamIdx []int) (any, error) {
	lead := m.engine.Shards()[0]
	if _, ok := lead.Module.(CacheReorderer); !ok {
		return nil, unsupported("ReorderCache", lead.Module)
	}
	var (
		mu  sync.Mutex
		out any
	)
	err := m.engine.Each(ctx, func(_ context.Context, s *shard.Shard, _ comm.Communicator) error {
		r, ok := s.Module.(CacheReorderer)
		if !ok {
			return unsupported("ReorderCache", s.Module)
		}
		reordered, err := r.ReorderCache(past, beamIdx)
		if err != nil {
			return err
		}
		if s.Index == lead.Index {
			mu.Lock()
			out = reordered
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

