// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader builds models from YAML descriptions.
//
// A description names the layers in order and a seed for their weights, so
// every process of a group that loads the same file gets the same model:
//
//	name: ff
//	seed: 1
//	layers:
//	  - {kind: linear, in: 64, out: 128}
//	  - {kind: relu}
//	  - {kind: linear, in: 128, out: 10}
//
// A description with architecture "causal-lm" yields a language model that
// carries a configuration record, which tp.TensorParallel wraps in the
// generation-capable tp.Model.
package loader

import (
	"io"

	"github.com/born-ml/tensorparallel/internal/modelspec"
)

// Config is a parsed model description.
type Config = modelspec.Config

// Layer is one layer of a description.
type Layer = modelspec.Layer

// Model is a loaded model.
type Model = modelspec.Model

// ArchCausalLM marks a description as a causal language model.
const ArchCausalLM = modelspec.ArchCausalLM

// Load reads a description from r and builds the model.
func Load(r io.Reader) (*Model, error) { return modelspec.Load(r) }

// LoadFile reads the description at path and builds the model.
func LoadFile(path string) (*Model, error) { return modelspec.LoadFile(path) }

// Build builds the model of a parsed description.
func Build(cfg Config) (*Model, error) { return modelspec.Build(cfg) }
