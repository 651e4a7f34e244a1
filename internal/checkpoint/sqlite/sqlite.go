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

// Package sqlite provides a SQLite checkpoint store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/ledgerflow/internal/checkpoint"
)

var _ checkpoint.ClosableStore = (*Store)(nil)

// Store is a SQLite-backed checkpoint store. Each save is a single upsert
// statement, which SQLite applies atomically.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := ConfigurePragmas(ctx, db, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// ConfigurePragmas applies the durability settings shared by every SQLite
// database in the node.
func ConfigurePragmas(ctx context.Context, db *sql.DB, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flow_checkpoints (
			flow_id TEXT PRIMARY KEY,
			flow_name TEXT NOT NULL,
			flow_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			awaiting TEXT NOT NULL DEFAULT '',
			codec TEXT NOT NULL,
			frame BLOB NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_checkpoints_status ON flow_checkpoints(status)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	query := `
		INSERT INTO flow_checkpoints
			(flow_id, flow_name, flow_version, status, awaiting, codec, frame, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (flow_id) DO UPDATE SET
			flow_name = excluded.flow_name,
			flow_version = excluded.flow_version,
			status = excluded.status,
			awaiting = excluded.awaiting,
			codec = excluded.codec,
			frame = excluded.frame,
			revision = excluded.revision,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		cp.FlowID, cp.FlowName, cp.FlowVersion, string(cp.Status), cp.Awaiting, cp.Codec,
		frameBytes(cp.Frame), cp.Revision,
		cp.CreatedAt.Format(time.RFC3339Nano), cp.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

const selectColumns = `flow_id, flow_name, flow_version, status, awaiting, codec, frame, revision, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	var status, createdAt, updatedAt string
	if err := row.Scan(&cp.FlowID, &cp.FlowName, &cp.FlowVersion, &status, &cp.Awaiting,
		&cp.Codec, &cp.Frame, &cp.Revision, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cp.Status = checkpoint.Status(status)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &cp, nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, flowID string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM flow_checkpoints WHERE flow_id = ?`, flowID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, flowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_checkpoints WHERE flow_id = ?`, flowID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// All implements checkpoint.Store.
func (s *Store) All(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM flow_checkpoints ORDER BY flow_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func frameBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
