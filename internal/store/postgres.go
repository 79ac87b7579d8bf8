// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	log "github.com/sirupsen/logrus"
)

// PostgresStore is the server-deployment DocumentStore backend. Concurrent
// writers to the same session serialize on a row lock inside
// UpdateMessages, which keeps the per-session read-modify-write atomic.
type PostgresStore struct {
	sqlDocumentStore
}

// NewPostgresStore connects to the session database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &PostgresStore{
		sqlDocumentStore: sqlDocumentStore{
			db: db,
			q: sqlQueries{
				schemaDDL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					doc TEXT NOT NULL,
					updated_at TIMESTAMPTZ DEFAULT now()
				);
				`,
				selectDoc:  `SELECT doc FROM sessions WHERE id = $1`,
				selectLock: `SELECT doc FROM sessions WHERE id = $1 FOR UPDATE`,
				upsertDoc: `INSERT INTO sessions (id, doc) VALUES ($1, $2)
					ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
				updateDoc: `UPDATE sessions SET doc = $1, updated_at = now() WHERE id = $2`,
				deleteDoc: `DELETE FROM sessions WHERE id = $1`,
				listIDs:   `SELECT id FROM sessions ORDER BY id`,
			},
		},
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Session store initialized (postgres)")
	return s, nil
}
