// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package estimate derives what token-count work is still required for a
// session and exposes aggregate context-window usage. The cache validity
// predicates and the requirement analysis are pure and safe to run on every
// UI-state change; only the queue the package submits to does real work.
package estimate

import (
	"github.com/traylinx/tokenmeter/internal/store"
)

// IsTextCacheValid decides whether a cached message-text count is usable.
// Message text is mutable, so staleness is timestamp-ordered: a count is
// stale only when the content was updated after it was calculated. A cached
// value without a calculation timestamp predates timestamp tracking and is
// accepted as-is; content without an update timestamp never mutated.
func IsTextCacheValid(tokens *int, calculatedAt, contentUpdatedAt *int64) bool {
	if tokens == nil {
		return false
	}
	if calculatedAt == nil {
		return true
	}
	if contentUpdatedAt == nil {
		return true
	}
	return *calculatedAt >= *contentUpdatedAt
}

// MessageTextCacheValid applies IsTextCacheValid to a message's cache maps
// for one cache key.
func MessageTextCacheValid(m *store.Message, cacheKey string) bool {
	var tokens *int
	if v, ok := m.TokenCountMap[cacheKey]; ok {
		tokens = &v
	}
	var calculatedAt *int64
	if v, ok := m.TokenCalculatedAt[cacheKey]; ok {
		calculatedAt = &v
	}
	return IsTextCacheValid(tokens, calculatedAt, m.UpdatedAt)
}

// IsAttachmentCacheValid decides whether a cached attachment count is
// usable. Attachment content is immutable once stored, so no timestamp
// comparison is needed: the line/byte metadata must both be recorded (their
// absence marks pre-upgrade data needing full recomputation) and a value
// must exist at the exact composite cache key.
func IsAttachmentCacheValid(att *store.Attachment, cacheKey string) bool {
	if att.LineCount == nil || att.ByteLength == nil {
		return false
	}
	_, ok := att.TokenCountMap[cacheKey]
	return ok
}
