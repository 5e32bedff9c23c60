// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tp splits a module across devices with tensor parallelism and runs
// it as if it were the original module.
//
// Example:
//
//	devices, _ := tp.ProbeDevices(tp.ProbeOptions{Count: 2})
//	m, err := tp.TensorParallel(model, tp.WithDevices(devices))
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//	out, err := m.Forward(ctx, x)
//
// Each linear, embedding and convolution layer gets the standard parallel
// decomposition; other operators are replicated. Pass WithConfig to replace
// the inferred slicing rules. With a process group (WithProcessGroup) every
// process of the group holds a single shard and calls TensorParallel with
// the same module and options.
package tp

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/tensorparallel/internal/adapter"
	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/internal/executor"
	"github.com/born-ml/tensorparallel/internal/nn"
	"github.com/born-ml/tensorparallel/internal/optim"
	"github.com/born-ml/tensorparallel/internal/overlay"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tensor"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Module is what TensorParallel returns: a ParallelModule, or a Model when
// the wrapped module carries a configuration record.
type Module interface {
	Forward(ctx context.Context, args ...any) (*tensor.Tensor, error)
	Backward(ctx context.Context, grad *tensor.Tensor) (*tensor.Tensor, error)
	Gradients(ctx context.Context) (map[string]*tensor.Tensor, error)
	ZeroGrad(ctx context.Context) error
	// Step updates the parameters in place from their gradients.
	Step(ctx context.Context, opt optim.Optimizer) error
	Close() error
	// Parallel returns the underlying parallel module.
	Parallel() *ParallelModule
}

// ParallelModule is a module split into shards, one per device.
type ParallelModule struct {
	*executor.Executor
	overlay *overlay.Overlay
}

var (
	_ Module         = (*ParallelModule)(nil)
	_ Module         = (*Model)(nil)
	_ adapter.Engine = (*ParallelModule)(nil)
)

// Parallel implements Module.
func (m *ParallelModule) Parallel() *ParallelModule { return m }

// Overlay returns the sharded-parameter overlay, nil when it is off.
func (m *ParallelModule) Overlay() *overlay.Overlay { return m.overlay }

// Gradients returns the full gradient of every parameter, overlaid ones
// included, keyed by dotted path.
func (m *ParallelModule) Gradients(ctx context.Context) (map[string]*tensor.Tensor, error) {
	grads, err := m.Executor.Gradients(ctx)
	if err != nil || m.overlay == nil {
		return grads, err
	}
	extra, err := m.overlay.Gradients(ctx)
	if err != nil {
		return nil, err
	}
	for p, g := range extra {
		grads[p] = g
	}
	return grads, nil
}

// ZeroGrad clears the gradients of every shard.
func (m *ParallelModule) ZeroGrad(ctx context.Context) error {
	if err := m.Executor.ZeroGrad(ctx); err != nil {
		return err
	}
	if m.overlay != nil {
		return m.overlay.ZeroGrad(ctx)
	}
	return nil
}

// Step applies one optimizer update to every shard, overlaid slices
// included.
func (m *ParallelModule) Step(ctx context.Context, opt optim.Optimizer) error {
	if m.overlay == nil {
		return optim.Step(ctx, m.Executor, opt)
	}
	return optim.Step(ctx, m.Executor, opt, m.overlay)
}

// Model is a parallel module that keeps the calling contract of the model
// it was built from: its configuration record and generation helpers.
type Model struct {
	*adapter.Model
	parallel *ParallelModule
}

// Parallel implements Module.
func (m *Model) Parallel() *ParallelModule { return m.parallel }

// Gradients implements Module.
func (m *Model) Gradients(ctx context.Context) (map[string]*tensor.Tensor, error) {
	return m.parallel.Gradients(ctx)
}

// ZeroGrad implements Module.
func (m *Model) ZeroGrad(ctx context.Context) error { return m.parallel.ZeroGrad(ctx) }

// Step implements Module.
func (m *Model) Step(ctx context.Context, opt optim.Optimizer) error { return m.parallel.Step(ctx, opt) }

// Close implements Module.
func (m *Model) Close() error { return m.parallel.Close() }

// TensorParallel splits module into shards and returns the module that runs
// them. All validation happens before the first shard is built; on error
// nothing is left running.
func TensorParallel(module nn.Module, opts ...Option) (Module, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	distributed := o.pg != nil
	if o.distributed != nil {
		distributed = *o.distributed
	}

	var (
		pm  *ParallelModule
		err error
	)
	if distributed {
		pm, err = buildProcess(module, &o)
	} else {
		pm, err = buildThreaded(module, &o)
	}
	if err != nil {
		return nil, err
	}
	if c, ok := module.(adapter.Configured); ok {
		return &Model{Model: adapter.Wrap(pm, c.ModelConfig()), parallel: pm}, nil
	}
	return pm, nil
}

func buildProcess(module nn.Module, o *options) (*ParallelModule, error) {
	if o.pg == nil {
		return nil, tperr.Configf("process-parallel mode needs a process group")
	}
	if o.sharded != nil && *o.sharded || len(o.shardedNames) > 0 {
		return nil, tperr.Configf("sharded parameters are not supported in process-parallel mode")
	}
	devices := o.devices
	if devices == nil {
		local, err := device.Probe(device.ProbeOptions{Count: 1})
		if err != nil {
			return nil, err
		}
		devices = &local
	}
	if devices.Len() != 1 {
		return nil, tperr.Configf("process-parallel mode drives exactly one local device per process, got %d device ids %v", devices.Len(), devices.IDs())
	}
	cfg, err := o.slicingConfig(module, o.pg.WorldSize())
	if err != nil {
		return nil, err
	}
	if err := executor.CheckProcessGroup(cfg.NumParts, o.pg, *devices); err != nil {
		return nil, err
	}
	plan, err := slicing.Resolve(module, cfg)
	if err != nil {
		return nil, err
	}
	s, err := shard.BuildShard(module, plan, o.pg.Rank())
	if err != nil {
		return nil, err
	}
	useKernels(*devices)
	ex, err := executor.NewProcess(plan, s, o.pg, *devices, executor.WithOutputDevice(o.outputDevice))
	if err != nil {
		return nil, err
	}
	return &ParallelModule{Executor: ex}, nil
}

func buildThreaded(module nn.Module, o *options) (*ParallelModule, error) {
	var (
		cfg     *slicing.Config
		devices device.List
		err     error
	)
	switch {
	case o.devices != nil:
		devices = *o.devices
	case o.config != nil:
		devices, err = device.Probe(device.ProbeOptions{Count: o.config.NumParts})
	default:
		devices, err = device.Default()
	}
	if err != nil {
		return nil, err
	}
	if cfg, err = o.slicingConfig(module, devices.Len()); err != nil {
		return nil, err
	}
	if cfg.NumParts != devices.Len() {
		return nil, tperr.Configf("config has %d parts but %d devices %v were given", cfg.NumParts, devices.Len(), devices.IDs())
	}
	if o.outputDevice < 0 || o.outputDevice >= devices.Len() {
		return nil, tperr.Configf("output device index %d out of range for %d devices", o.outputDevice, devices.Len())
	}

	sharded := len(o.shardedNames) > 0
	if o.sharded != nil {
		sharded = *o.sharded
		if !sharded && len(o.shardedNames) > 0 {
			return nil, tperr.Configf("sharded parameter names %v given with sharding turned off", o.shardedNames)
		}
	} else if !sharded && nn.HasTrainable(module) {
		klog.Warningf("tp: module has trainable parameters, sharding its replicated parameters; pass tp.WithSharded(false) to keep full replicas")
		sharded = true
	}

	plan, err := slicing.Resolve(module, cfg)
	if err != nil {
		return nil, err
	}
	var shardOpts []shard.Option
	if o.progress != nil {
		shardOpts = append(shardOpts, shard.WithProgress(o.progress))
	}
	shards, err := shard.BuildShards(module, plan, shardOpts...)
	if err != nil {
		return nil, err
	}
	useKernels(devices)
	ex, err := executor.NewThreaded(plan, shards, devices, executor.WithOutputDevice(o.outputDevice))
	if err != nil {
		return nil, err
	}
	pm := &ParallelModule{Executor: ex}
	if sharded {
		if pm.overlay, err = overlay.Attach(ex, o.shardedNames...); err != nil {
			_ = ex.Close()
			return nil, errors.WithMessage(err, "sharding parameters")
		}
	}
	return pm, nil
}

// slicingConfig returns the explicit config, or infers one for numParts.
func (o *options) slicingConfig(module nn.Module, numParts int) (*slicing.Config, error) {
	if o.config == nil {
		cfg, err := slicing.BuildConfig(module, numParts, o.buildOpts...)
		if err != nil {
			return nil, err
		}
		klog.Infof("tp: using automatic config for %d parts", numParts)
		return cfg, nil
	}
	cfg := *o.config
	if o.policy != nil {
		cfg.Policy = *o.policy
	}
	return &cfg, nil
}

// useKernels sizes the matmul and convolution loops for one device.
func useKernels(devices device.List) {
	tensor.SetKernelParallelism(devices.At(0).Kernels())
}
