// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blob provides attachment content storage. Content is immutable
// once stored and addressed by an opaque storage key; absence or retrieval
// failure is a normal, expected condition that callers recover locally.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no content exists for a storage key.
var ErrNotFound = errors.New("blob not found")

// Store holds raw attachment content.
type Store interface {
	// GetContent fetches the content for a storage key. Returns ErrNotFound
	// for absent keys.
	GetContent(ctx context.Context, storageKey string) ([]byte, error)

	// PutContent stores content under a storage key.
	PutContent(ctx context.Context, storageKey string, data []byte) error
}
