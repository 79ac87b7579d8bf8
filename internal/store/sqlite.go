// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// SQLiteStore is the local-disk DocumentStore backend.
type SQLiteStore struct {
	sqlDocumentStore
	path string
}

// NewSQLiteStore opens (creating if needed) the session database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		sqlDocumentStore: sqlDocumentStore{
			db: db,
			q: sqlQueries{
				schemaDDL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					doc TEXT NOT NULL,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);
				`,
				selectDoc:  `SELECT doc FROM sessions WHERE id = ?`,
				selectLock: `SELECT doc FROM sessions WHERE id = ?`,
				upsertDoc: `INSERT INTO sessions (id, doc) VALUES (?, ?)
					ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
				updateDoc: `UPDATE sessions SET doc = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
				deleteDoc: `DELETE FROM sessions WHERE id = ?`,
				listIDs:   `SELECT id FROM sessions ORDER BY id`,
			},
		},
		path: path,
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Session store initialized (db: %s)", path)
	return s, nil
}
