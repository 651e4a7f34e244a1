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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness/logtest"
)

var (
	lockQuery   = regexp.QuoteMeta(`SELECT resource_ref, tx_id FROM notary_commit_log WHERE resource_ref = ANY($1) ORDER BY resource_ref FOR UPDATE`)
	insertQuery = regexp.QuoteMeta(`INSERT INTO notary_commit_log`)
	readBack    = regexp.QuoteMeta(`SELECT tx_id FROM notary_commit_log WHERE resource_ref = $1`)
)

func entries(tx string, refs ...string) []uniqueness.Entry {
	out := make([]uniqueness.Entry, len(refs))
	for i, r := range refs {
		out[i] = uniqueness.Entry{ResourceRef: r, TxID: tx, Party: "alice", CommittedAt: time.Unix(0, 0)}
	}
	return out
}

func TestInsertIfAbsent_AllNew(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"resource_ref", "tx_id"}))
	mock.ExpectExec(insertQuery).WithArgs("R1", "T1", "alice", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertQuery).WithArgs("R2", "T1", "alice", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	winners, err := New(db).InsertIfAbsent(context.Background(), entries("T1", "R1", "R2"))
	require.NoError(t, err)
	assert.Empty(t, winners)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsent_ExistingConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"resource_ref", "tx_id"}).AddRow("R1", "T0"))
	mock.ExpectRollback()

	winners, err := New(db).InsertIfAbsent(context.Background(), entries("T1", "R1", "R2"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"R1": "T0"}, winners)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsent_ConcurrentInsertReadBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"resource_ref", "tx_id"}))
	mock.ExpectExec(insertQuery).WithArgs("R1", "T2", "alice", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(readBack).WithArgs("R1").WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).AddRow("T1"))
	mock.ExpectRollback()

	winners, err := New(db).InsertIfAbsent(context.Background(), entries("T2", "R1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"R1": "T1"}, winners)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsent_SameTxIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"resource_ref", "tx_id"}).AddRow("R1", "T1"))
	mock.ExpectExec(insertQuery).WithArgs("R1", "T1", "alice", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(readBack).WithArgs("R1").WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).AddRow("T1"))
	mock.ExpectCommit()

	winners, err := New(db).InsertIfAbsent(context.Background(), entries("T1", "R1"))
	require.NoError(t, err)
	assert.Empty(t, winners)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsent_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = New(db).InsertIfAbsent(context.Background(), entries("T1", "R1"))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(readBack).WithArgs("R1").WillReturnRows(sqlmock.NewRows([]string{"tx_id"}).AddRow("T1"))
	mock.ExpectQuery(readBack).WithArgs("R2").WillReturnRows(sqlmock.NewRows([]string{"tx_id"}))

	l := New(db)
	tx, ok, err := l.Lookup(context.Background(), "R1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "T1", tx)

	_, ok, err = l.Lookup(context.Background(), "R2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestLog_Live runs the shared contract against a real server when
// LEDGERFLOW_TEST_POSTGRES holds a connection string.
func TestLog_Live(t *testing.T) {
	dsn := os.Getenv("LEDGERFLOW_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("LEDGERFLOW_TEST_POSTGRES not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS notary_commit_log`)
	l := New(db)
	require.NoError(t, l.Init(ctx))
	logtest.Run(t, l)
}
