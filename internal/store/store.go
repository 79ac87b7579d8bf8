// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import "context"

// DocumentStore is the external collaborator holding sessions and messages.
// Implementations must support atomic per-session read-modify-write; no
// cross-session transactions are required.
type DocumentStore interface {
	// GetSession loads a full session document. Returns a typed
	// session-not-found failure for missing ids.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetMessage resolves a message by id, searching the primary timeline
	// first and then all secondary thread collections. Returns typed
	// session/message-not-found failures.
	GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error)

	// UpdateMessages applies fn to every message in the session (timeline
	// and threads) inside one atomic read-modify-write. fn reports whether
	// it changed the message; unchanged messages pass through untouched.
	UpdateMessages(ctx context.Context, sessionID string, fn func(*Message) bool) error

	// PutSession inserts or replaces a session document.
	PutSession(ctx context.Context, session *Session) error

	// DeleteSession removes a session permanently.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessionIDs returns the ids of all stored sessions.
	ListSessionIDs(ctx context.Context) ([]string, error)

	// Close releases the underlying connection.
	Close() error
}
