// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tokenizer estimates token counts for text content.
// It supports multiple counting strategies with different accuracy/performance
// tradeoffs: a BPE-backed default and a fast heuristic for the Claude model
// family. Counts are estimates for context-window budgeting, not exact parity
// with any vendor tokenizer.
package tokenizer

import (
	"sync"

	tiktoken "github.com/tiktoken-go/tokenizer"
)

// Variant identifies a named token-counting strategy.
type Variant string

const (
	// VariantDefault is the general-purpose BPE estimator.
	VariantDefault Variant = "default"

	// VariantClaude is the lightweight heuristic estimator for the Claude
	// model family.
	VariantClaude Variant = "claude"
)

// Func is the pluggable token-counting function consumed by the rest of the
// core: it maps text and a variant to an estimated token count.
type Func func(text string, v Variant) int

// ParseVariant normalizes a variant name, falling back to the default for
// unknown values.
func ParseVariant(s string) Variant {
	switch Variant(s) {
	case VariantClaude:
		return VariantClaude
	default:
		return VariantDefault
	}
}

// VariantForModel picks the counting strategy for a model name.
// Claude-family models use the heuristic estimator; everything else uses the
// BPE default.
func VariantForModel(model string) Variant {
	if len(model) >= 6 && model[:6] == "claude" {
		return VariantClaude
	}
	return VariantDefault
}

var (
	codecOnce sync.Once
	codec     tiktoken.Codec
	codecErr  error
)

func getCodec() (tiktoken.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tiktoken.Get(tiktoken.O200kBase)
	})
	return codec, codecErr
}

// Count estimates the number of tokens in text under the given variant.
// It never fails: if the BPE codec is unavailable or errors on the input,
// the heuristic estimate is returned instead.
func Count(text string, v Variant) int {
	if len(text) == 0 {
		return 0
	}

	if v == VariantClaude {
		return heuristicCount(text)
	}

	c, err := getCodec()
	if err != nil {
		return heuristicCount(text)
	}
	n, err := c.Count(text)
	if err != nil {
		return heuristicCount(text)
	}
	return n
}
