// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.PutSession(ctx, &Session{
		ID: "s1",
		Messages: []Message{
			{ID: "m1", Text: "hello"},
		},
	}))

	session, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	require.Len(t, session.Messages, 1)
	assert.Equal(t, "hello", session.Messages[0].Text)

	ids, err := s.ListSessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)
}

func TestSQLiteStore_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.PutSession(ctx, &Session{
		ID:       "s1",
		Messages: []Message{{ID: "m1", Text: "hello"}},
	}))

	err := s.UpdateMessages(ctx, "s1", func(m *Message) bool {
		if m.ID != "m1" {
			return false
		}
		m.TokenCountMap = map[string]int{"default": 42}
		m.TokenCalculatedAt = map[string]int64{"default": 1234}
		return true
	})
	require.NoError(t, err)

	msg, err := s.GetMessage(ctx, "s1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 42, msg.TokenCountMap["default"])
	assert.Equal(t, int64(1234), msg.TokenCalculatedAt["default"])

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLiteStore_UpsertReplacesDocument(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	require.NoError(t, s.PutSession(ctx, &Session{ID: "s1", Title: "first"}))
	require.NoError(t, s.PutSession(ctx, &Session{ID: "s1", Title: "second"}))

	session, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "second", session.Title)
}
