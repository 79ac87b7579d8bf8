// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when the session id has no document.
// Expected churn from concurrent deletion; callers classify it as silent.
var ErrSessionNotFound = errors.New("session not found")

// ErrMessageNotFound is returned when the message id exists in neither the
// timeline nor any thread. Expected churn.
var ErrMessageNotFound = errors.New("message not found")

// IsNotFound reports whether err is a session or message absence. Callers
// treat these as expected churn, not failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrMessageNotFound)
}

// sqlQueries holds the per-dialect SQL for the shared document logic.
type sqlQueries struct {
	selectDoc  string
	upsertDoc  string
	updateDoc  string
	deleteDoc  string
	listIDs    string
	schemaDDL  string
	selectLock string // SELECT used inside UpdateMessages transactions
}

// sqlDocumentStore implements DocumentStore on database/sql. SQLite and
// Postgres differ only in DSN handling, placeholders, and row locking.
type sqlDocumentStore struct {
	db *sql.DB
	q  sqlQueries
}

func (s *sqlDocumentStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *sqlDocumentStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.q.selectDoc, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return decodeSession(doc)
}

func (s *sqlDocumentStore) GetMessage(ctx context.Context, sessionID, messageID string) (*Message, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, s.q.selectDoc, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
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

func (s *sqlDocumentStore) UpdateMessages(ctx context.Context, sessionID string, fn func(*Message) bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, s.q.selectLock, sessionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	updated, changed, err := applyMessageUpdates(doc, fn)
	if err != nil {
		return err
	}
	if !changed {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, s.q.updateDoc, updated, sessionID); err != nil {
		return fmt.Errorf("failed to write session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

func (s *sqlDocumentStore) PutSession(ctx context.Context, session *Session) error {
	doc, err := encodeSession(session)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q.upsertDoc, session.ID, doc); err != nil {
		return fmt.Errorf("failed to store session %s: %w", session.ID, err)
	}
	return nil
}

func (s *sqlDocumentStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.q.deleteDoc, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *sqlDocumentStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q.listIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlDocumentStore) Close() error {
	return s.db.Close()
}
