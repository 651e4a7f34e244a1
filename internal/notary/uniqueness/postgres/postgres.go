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

// Package postgres provides a PostgreSQL commit log shared by the members
// of a notary cluster.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
)

var _ uniqueness.CommitLog = (*Log)(nil)

// Schema creates the commit log table.
const Schema = `CREATE TABLE IF NOT EXISTS notary_commit_log (
	resource_ref TEXT PRIMARY KEY,
	tx_id TEXT NOT NULL,
	party TEXT NOT NULL DEFAULT '',
	committed_at TIMESTAMPTZ NOT NULL
)`

// Log is a PostgreSQL-backed commit log.
type Log struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Init creates the schema.
func (l *Log) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create commit log schema: %w", err)
	}
	return nil
}

// InsertIfAbsent implements uniqueness.CommitLog. Existing rows for the
// batch are locked first; rows that do not exist yet cannot be locked, so
// each insert is checked by rows affected and a concurrent winner is read
// back after it commits.
func (l *Log) InsertIfAbsent(ctx context.Context, entries []uniqueness.Entry) (map[string]string, error) {
	refs := make([]string, len(entries))
	want := make(map[string]string, len(entries))
	for i, e := range entries {
		refs[i] = e.ResourceRef
		want[e.ResourceRef] = e.TxID
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT resource_ref, tx_id FROM notary_commit_log WHERE resource_ref = ANY($1) ORDER BY resource_ref FOR UPDATE`,
		pq.Array(refs))
	if err != nil {
		return nil, fmt.Errorf("failed to lock commit log rows: %w", err)
	}
	winners := map[string]string{}
	for rows.Next() {
		var ref, held string
		if err := rows.Scan(&ref, &held); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan commit log row: %w", err)
		}
		if held != want[ref] {
			winners[ref] = held
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read commit log: %w", err)
	}
	if len(winners) > 0 {
		return winners, nil
	}

	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `INSERT INTO notary_commit_log (resource_ref, tx_id, party, committed_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT (resource_ref) DO NOTHING`,
			e.ResourceRef, e.TxID, e.Party, e.CommittedAt.UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to insert commit: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			continue
		}
		var held string
		if err := tx.QueryRowContext(ctx, `SELECT tx_id FROM notary_commit_log WHERE resource_ref = $1`, e.ResourceRef).Scan(&held); err != nil {
			return nil, fmt.Errorf("failed to read back commit: %w", err)
		}
		if held != e.TxID {
			winners[e.ResourceRef] = held
		}
	}
	if len(winners) > 0 {
		return winners, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return nil, nil
}

// Lookup implements uniqueness.CommitLog.
func (l *Log) Lookup(ctx context.Context, ref string) (string, bool, error) {
	var held string
	err := l.db.QueryRowContext(ctx, `SELECT tx_id FROM notary_commit_log WHERE resource_ref = $1`, ref).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read commit log: %w", err)
	}
	return held, true, nil
}
