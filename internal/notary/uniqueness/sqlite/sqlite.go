// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite commit log for single-node notaries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	cpsqlite "github.com/tombee/ledgerflow/internal/checkpoint/sqlite"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
)

var _ uniqueness.CommitLog = (*Log)(nil)

// Log is a SQLite-backed commit log.
type Log struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode.
	WAL bool
}

// Open opens (creating if needed) the commit log at cfg.Path.
func Open(cfg Config) (*Log, error) {
	dsn := cfg.Path
	if !strings.Contains(dsn, "?") {
		// write lock taken at BEGIN so the check and insert see one state
		dsn += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cpsqlite.ConfigurePragmas(ctx, db, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS notary_commit_log (
		resource_ref TEXT PRIMARY KEY,
		tx_id TEXT NOT NULL,
		party TEXT NOT NULL DEFAULT '',
		committed_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Log{db: db}, nil
}

// InsertIfAbsent implements uniqueness.CommitLog.
func (l *Log) InsertIfAbsent(ctx context.Context, entries []uniqueness.Entry) (map[string]string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var winners map[string]string
	for _, e := range entries {
		var held string
		err := tx.QueryRowContext(ctx, `SELECT tx_id FROM notary_commit_log WHERE resource_ref = ?`, e.ResourceRef).Scan(&held)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("failed to read commit log: %w", err)
		case held != e.TxID:
			if winners == nil {
				winners = make(map[string]string)
			}
			winners[e.ResourceRef] = held
		}
	}
	if winners != nil {
		return winners, nil
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO notary_commit_log (resource_ref, tx_id, party, committed_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (resource_ref) DO NOTHING`,
			e.ResourceRef, e.TxID, e.Party, e.CommittedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("failed to insert commit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return nil, nil
}

// Lookup implements uniqueness.CommitLog.
func (l *Log) Lookup(ctx context.Context, ref string) (string, bool, error) {
	var held string
	err := l.db.QueryRowContext(ctx, `SELECT tx_id FROM notary_commit_log WHERE resource_ref = ?`, ref).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read commit log: %w", err)
	}
	return held, true, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
