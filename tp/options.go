// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tp

import (
	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/internal/shard"
	"github.com/born-ml/tensorparallel/internal/slicing"
)

type options struct {
	devices      *device.List
	config       *slicing.Config
	distributed  *bool
	sharded      *bool
	shardedNames []string
	policy       *slicing.SplitPolicy
	buildOpts    []slicing.BuildOption
	pg           comm.ProcessGroup
	outputDevice int
	progress     shard.ProgressFunc
}

// Option configures TensorParallel.
type Option func(*options)

// WithDevices sets the devices, one per shard. The default is every device
// of device.Default in thread mode and one local device in process mode.
func WithDevices(devices device.List) Option {
	return func(o *options) { o.devices = &devices }
}

// WithConfig replaces rule inference with an explicit config.
func WithConfig(cfg *slicing.Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithDistributed selects process-parallel mode. The default is on exactly
// when a process group was given.
func WithDistributed(on bool) Option {
	return func(o *options) { o.distributed = &on }
}

// WithSharded turns the sharded-parameter overlay on or off. The default is
// on when the module has trainable parameters, in thread mode only.
func WithSharded(on bool) Option {
	return func(o *options) { o.sharded = &on }
}

// WithShardedParamNames restricts the overlay to the named parameters.
// Names are dotted paths or glob patterns; giving any turns the overlay on.
func WithShardedParamNames(names ...string) Option {
	return func(o *options) { o.shardedNames = append(o.shardedNames, names...) }
}

// WithSplitPolicy chooses how split axes are cut.
func WithSplitPolicy(p slicing.SplitPolicy) Option {
	return func(o *options) {
		o.policy = &p
		o.buildOpts = append(o.buildOpts, slicing.WithPolicy(p))
	}
}

// WithEmbeddingStrategy chooses the axis inferred configs split embedding
// tables on.
func WithEmbeddingStrategy(s slicing.EmbeddingStrategy) Option {
	return func(o *options) { o.buildOpts = append(o.buildOpts, slicing.WithEmbeddingStrategy(s)) }
}

// WithProcessGroup runs the module in process-parallel mode over pg. The
// group must already be established, with one process per shard.
func WithProcessGroup(pg comm.ProcessGroup) Option {
	return func(o *options) { o.pg = pg }
}

// WithOutputDevice sets the index of the device outputs are returned on.
func WithOutputDevice(index int) Option {
	return func(o *options) { o.outputDevice = index }
}

// WithProgress reports shard construction progress in thread mode.
func WithProgress(fn shard.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}
