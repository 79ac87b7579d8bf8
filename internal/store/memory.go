// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory DocumentStore used for ephemeral sessions and
// in tests. It stores raw JSON documents and goes through the same document
// patching as the SQL backends, so merge semantics are identical.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	doc, ok := s.docs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return decodeSession(doc)
}

func (s *MemoryStore) GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error) {
	s.mu.Lock()
	doc, ok := s.docs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	raw, _, found := findMessageRaw(doc, messageID)
	if !found {
		return nil, fmt.Errorf("message %s in session %s: %w", messageID, sessionID, ErrMessageNotFound)
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, err
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	return msg, nil
}

func (s *MemoryStore) UpdateMessages(ctx context.Context, sessionID string, fn func(*Message) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	updated, changed, err := applyMessageUpdates(doc, fn)
	if err != nil {
		return err
	}
	if changed {
		s.docs[sessionID] = updated
	}
	return nil
}

func (s *MemoryStore) PutSession(ctx context.Context, session *Session) error {
	doc, err := encodeSession(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[session.ID] = doc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.docs, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
