// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tp

import (
	"github.com/born-ml/tensorparallel/internal/comm"
	"github.com/born-ml/tensorparallel/internal/device"
	"github.com/born-ml/tensorparallel/internal/executor"
	"github.com/born-ml/tensorparallel/internal/slicing"
	"github.com/born-ml/tensorparallel/internal/tperr"
)

// Forward arguments

// Kwarg is a named forward argument.
type Kwarg = executor.Kwarg

// Named builds a named forward argument.
func Named(name string, value any) Kwarg { return executor.Named(name, value) }

// Slicing configs

// Config is an explicit slicing config.
type Config = slicing.Config

// Rule slices the operators matched by its pattern.
type Rule = slicing.Rule

// Action is how one parameter is sliced.
type Action = slicing.Action

// CombineAction is how per-shard results are recombined.
type CombineAction = slicing.CombineAction

// Split cuts a parameter along axis.
func Split(axis int) Action { return slicing.Split(axis) }

// Replicate copies a parameter to every shard.
func Replicate() Action { return slicing.Replicate() }

// Concat concatenates per-shard results along axis.
func Concat(axis int) CombineAction { return slicing.Concat(axis) }

// Sum adds per-shard results.
func Sum() CombineAction { return slicing.Sum() }

// SelectOne keeps the result of one shard.
func SelectOne(index int) CombineAction { return slicing.SelectOne(index) }

// Split policies.
const (
	Contiguous = slicing.Contiguous
	Strided    = slicing.Strided
)

// Embedding strategies.
const (
	EmbedSplitDim   = slicing.EmbedSplitDim
	EmbedSplitVocab = slicing.EmbedSplitVocab
)

// BuildConfig infers the slicing config of module for numParts shards.
var BuildConfig = slicing.BuildConfig

// LoadConfigFile reads a YAML slicing config.
var LoadConfigFile = slicing.LoadConfigFile

// Devices

// Device is one compute device.
type Device = device.Device

// DeviceList is an immutable, ordered set of devices.
type DeviceList = device.List

// ProbeOptions configures ProbeDevices.
type ProbeOptions = device.ProbeOptions

// ProbeDevices returns the local devices, honoring TP_CPU_DEVICES.
func ProbeDevices(opts ProbeOptions) (DeviceList, error) { return device.Probe(opts) }

// Process groups

// Communicator is one member's view of a collective group.
type Communicator = comm.Communicator

// ProcessGroup is a member of a multi-process runtime, passed to
// WithProcessGroup.
type ProcessGroup = comm.ProcessGroup

// Errors

// ConfigError reports an invalid config or conflicting options.
type ConfigError = tperr.ConfigError

// ShapeError reports an axis that cannot be split.
type ShapeError = tperr.ShapeError

// ExecutionError reports a failure on one shard during a call.
type ExecutionError = tperr.ExecutionError

// ErrUnsupported is returned by Model operations the original module lacks.
var ErrUnsupported = tperr.ErrUnsupported

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool { return tperr.IsConfig(err) }

// IsShape reports whether err is a ShapeError.
func IsShape(err error) bool { return tperr.IsShape(err) }

// IsExecution reports whether err is an ExecutionError.
func IsExecution(err error) bool { return tperr.IsExecution(err) }
