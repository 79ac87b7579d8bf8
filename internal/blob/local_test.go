// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("line one\nline two\nline three\n")
	require.NoError(t, s.PutContent(ctx, "blob-1", content))

	got, err := s.GetContent(ctx, "blob-1")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLocalStore_MissingKey(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetContent(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_RejectsPathKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "a/b", `a\b`} {
		_, err := s.GetContent(ctx, key)
		assert.Error(t, err, "key %q must be rejected", key)
		assert.NotErrorIs(t, err, ErrNotFound)
	}
}

func TestLocalStore_ContentStoredCompressed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	content := []byte(strings.Repeat("very repetitive content ", 200))
	require.NoError(t, s.PutContent(ctx, "blob-1", content))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "blob-1.gz", entries[0].Name())

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(content)), "stored blob should be compressed")
}

func TestLocalStore_EmptyContent(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.PutContent(ctx, "empty", nil))
	got, err := s.GetContent(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalStore_OversizedBlobRejected(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	content := []byte(strings.Repeat("incompressible? not quite, but long enough\n", 64))
	require.NoError(t, s.PutContent(ctx, "blob-1", content))

	// A cap below the stored file size must fail the read instead of
	// handing back a silently truncated stream
	s.maxBytes = 16
	_, err = s.GetContent(ctx, "blob-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	s.maxBytes = maxCompressedBlobBytes
	got, err := s.GetContent(ctx, "blob-1")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
