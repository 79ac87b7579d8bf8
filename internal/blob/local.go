// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/traylinx/tokenmeter/internal/util"
)

// maxCompressedBlobBytes bounds how much of a blob file is read into
// memory. A healthy blob never gets near it; it guards against corrupt or
// tampered files under the blob root.
const maxCompressedBlobBytes = 64 << 20

// LocalStore keeps gzip-compressed blobs under a root directory, one file
// per storage key. Writes are crash-safe via the rename-swap pattern.
type LocalStore struct {
	root     string
	maxBytes int64
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalStore{root: root, maxBytes: maxCompressedBlobBytes}, nil
}

func (s *LocalStore) path(storageKey string) (string, error) {
	// Storage keys are opaque ids, never paths
	if storageKey == "" || strings.ContainsAny(storageKey, `/\`) || strings.Contains(storageKey, "..") {
		return "", fmt.Errorf("invalid storage key %q", storageKey)
	}
	return filepath.Join(s.root, storageKey+".gz"), nil
}

func (s *LocalStore) GetContent(ctx context.Context, storageKey string) ([]byte, error) {
	path, err := s.path(storageKey)
	if err != nil {
		return nil, err
	}

	compressed, err := util.ReadFileLimit(path, s.maxBytes)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("key %s: %w", storageKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", storageKey, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob %s: %w", storageKey, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob %s: %w", storageKey, err)
	}
	return data, nil
}

func (s *LocalStore) PutContent(ctx context.Context, storageKey string, data []byte) error {
	path, err := s.path(storageKey)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("failed to compress blob %s: %w", storageKey, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress blob %s: %w", storageKey, err)
	}

	return util.AtomicWrite(path, buf.Bytes(), 0600)
}
