// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package generate decodes text from a parallel causal language model.
//
// Example:
//
//	m, _ := tp.TensorParallel(model, tp.WithDevices(devices))
//	g, err := generate.New(m.(*tp.Model), tok)
//	if err != nil {
//	    return err
//	}
//	text, err := g.Generate(ctx, "Once upon a time", generate.Config{MaxTokens: 32})
package generate

import (
	"github.com/born-ml/tensorparallel/internal/generate"
	"github.com/born-ml/tensorparallel/tokenizer"
)

// LM is the model contract generation needs; *tp.Model implements it.
type LM = generate.LM

// Generator decodes completions.
type Generator = generate.Generator

// Config controls one generation.
type Config = generate.Config

// SamplingConfig controls how the next token is drawn.
type SamplingConfig = generate.SamplingConfig

// Step is one generated token.
type Step = generate.Step

// Reasons a generation stopped.
const (
	StopEOS        = generate.StopEOS
	StopMaxTokens  = generate.StopMaxTokens
	StopStopString = generate.StopStopString
)

// New creates a generator. It fails when lm is not a causal language model.
func New(lm LM, tok tokenizer.Tokenizer) (*Generator, error) { return generate.New(lm, tok) }

// Greedy returns the sampling config that always picks the most likely token.
func Greedy() SamplingConfig { return generate.Greedy() }
