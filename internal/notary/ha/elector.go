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

// Package ha elects the one active signer among notary replicas that share
// a PostgreSQL database.
package ha

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/statecell"
)

// DefaultLockID is the advisory lock key for notary leadership.
const DefaultLockID int64 = 0x6c65646765726e74 // "ledgernt"

// Role is a replica's current role.
type Role string

const (
	Passive Role = "passive"
	Active  Role = "active"
)

// Config contains election configuration.
type Config struct {
	// DB is the shared database.
	DB *sql.DB

	// InstanceID identifies this replica in logs.
	InstanceID string

	// LockID is the advisory lock key.
	// Default: DefaultLockID
	LockID int64

	// RetryInterval is how often a passive replica tries to take over and
	// an active one checks it still holds the lock.
	// Default: 5s
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Elector holds a Postgres session-level advisory lock while active.
// Session locks belong to a connection, so the elector pins one
// connection from the pool for as long as it runs.
type Elector struct {
	cfg    Config
	role   *statecell.Cell[Role]
	logger *slog.Logger
	conn   *sql.Conn
}

// NewElector creates an elector in the passive role.
func NewElector(cfg Config) *Elector {
	if cfg.LockID == 0 {
		cfg.LockID = DefaultLockID
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		cfg:    cfg,
		role:   statecell.New(Passive),
		logger: lflog.WithComponent(logger, "ha").With(slog.String("instance_id", cfg.InstanceID)),
	}
}

// Role returns the cell tracking this replica's role.
func (e *Elector) Role() *statecell.Cell[Role] { return e.role }

// IsActive reports whether this replica currently holds the lock.
func (e *Elector) IsActive() bool {
	r, _ := e.role.Get()
	return r == Active
}

// Run campaigns until ctx is cancelled, then releases the lock.
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()
	defer e.release()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.conn == nil {
		conn, err := e.cfg.DB.Conn(ctx)
		if err != nil {
			e.logger.Error("failed to reserve election connection", lflog.Error(err))
			return
		}
		e.conn = conn
	}

	if e.IsActive() {
		if !e.holding(ctx) {
			e.logger.Warn("lost notary leadership")
			e.setRole(Passive)
			e.dropConn()
		}
		return
	}

	var acquired bool
	if err := e.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.cfg.LockID).Scan(&acquired); err != nil {
		e.logger.Error("failed to campaign for leadership", lflog.Error(err))
		e.dropConn()
		return
	}
	if acquired {
		e.logger.Info("acquired notary leadership")
		e.setRole(Active)
	}
}

func (e *Elector) holding(ctx context.Context) bool {
	var holding bool
	err := e.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)`, e.cfg.LockID).Scan(&holding)
	if err != nil {
		e.logger.Error("failed to verify leadership", lflog.Error(err))
		return false
	}
	return holding
}

func (e *Elector) release() {
	if e.conn == nil {
		return
	}
	if e.IsActive() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", e.cfg.LockID); err != nil {
			e.logger.Error("failed to release leadership", lflog.Error(err))
		}
		e.setRole(Passive)
		e.logger.Info("released notary leadership")
	}
	e.dropConn()
}

// dropConn closes the pinned connection; a lock held on it dies with it.
func (e *Elector) dropConn() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

func (e *Elector) setRole(r Role) {
	e.role.Update(func(cur Role) (Role, bool) { return r, cur != r })
}
