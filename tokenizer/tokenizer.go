// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tokenizer converts text to token ids for generation.
//
// Supported tokenizers:
//   - "bytes": one token per byte plus an end-of-sequence id 256
//   - tiktoken encodings such as "cl100k_base"
//
// Example:
//
//	tok, err := tokenizer.New("bytes")
//	if err != nil {
//	    return err
//	}
//	ids, err := tok.Encode("hello")
package tokenizer

import (
	"github.com/born-ml/tensorparallel/internal/tokenizer"
)

// Tokenizer encodes and decodes text.
type Tokenizer = tokenizer.Tokenizer

// Bytes is the byte-level tokenizer.
type Bytes = tokenizer.Bytes

// TikToken wraps a tiktoken encoding.
type TikToken = tokenizer.TikToken

// BytesName selects the byte-level tokenizer in New.
const BytesName = tokenizer.BytesName

// New returns the tokenizer called name.
func New(name string) (Tokenizer, error) { return tokenizer.New(name) }

// NewTikToken loads a tiktoken encoding.
func NewTikToken(encodingName string) (*TikToken, error) { return tokenizer.NewTikToken(encodingName) }

// CheckVocab fails when tok can produce ids a model with vocabSize entries
// cannot embed.
func CheckVocab(tok Tokenizer, vocabSize int) error { return tokenizer.CheckVocab(tok, vocabSize) }
