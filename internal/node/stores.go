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

package node

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/ledgerflow/internal/checkpoint"
	cppostgres "github.com/tombee/ledgerflow/internal/checkpoint/postgres"
	cps3 "github.com/tombee/ledgerflow/internal/checkpoint/s3"
	cpsqlite "github.com/tombee/ledgerflow/internal/checkpoint/sqlite"
	"github.com/tombee/ledgerflow/internal/config"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	ulpostgres "github.com/tombee/ledgerflow/internal/notary/uniqueness/postgres"
	ulredis "github.com/tombee/ledgerflow/internal/notary/uniqueness/redis"
	ulsqlite "github.com/tombee/ledgerflow/internal/notary/uniqueness/sqlite"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

func postgresConfig(c config.PostgresConfig) cppostgres.Config {
	return cppostgres.Config{
		ConnectionString: c.URL,
		MaxOpenConns:     c.MaxOpenConns,
		MaxIdleConns:     c.MaxIdleConns,
		ConnMaxLifetime:  c.ConnMaxLifetime,
	}
}

// openStore builds the checkpoint store for the configured backend.
func (n *Node) openStore(ctx context.Context) (checkpoint.Store, error) {
	cfg := n.cfg
	switch cfg.Checkpoint.Backend {
	case config.BackendMemory:
		n.logger.Warn("checkpoints are kept in memory and will not survive a restart")
		return checkpoint.NewMemoryStore(), nil

	case config.BackendFile, "":
		return checkpoint.NewFileStore(checkpoint.FileStoreConfig{Dir: cfg.CheckpointDir()})

	case config.BackendSQLite:
		s, err := cpsqlite.Open(cpsqlite.Config{Path: cfg.CheckpointDBPath(), WAL: cfg.Checkpoint.SQLite.WAL})
		if err != nil {
			return nil, err
		}
		n.onClose(s.Close)
		return s, nil

	case config.BackendPostgres:
		db, err := cppostgres.OpenDB(postgresConfig(cfg.Checkpoint.Postgres))
		if err != nil {
			return nil, err
		}
		n.onClose(db.Close)
		s := cppostgres.New(db)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		n.checks["checkpoint_db"] = pingDB(db)
		return s, nil

	case config.BackendS3:
		s3cfg := cfg.Checkpoint.S3
		return cps3.Open(ctx, cps3.Config{
			Bucket:   s3cfg.Bucket,
			Prefix:   s3cfg.Prefix,
			Region:   s3cfg.Region,
			Endpoint: s3cfg.Endpoint,
		})

	default:
		return nil, &lferrors.ConfigError{Key: "checkpoint.backend", Reason: fmt.Sprintf("unsupported backend %q", cfg.Checkpoint.Backend)}
	}
}

// openCommitLog builds the notary commit log. The returned db is set for
// the postgres backend so replicas can elect a signer on it.
func (n *Node) openCommitLog(ctx context.Context) (uniqueness.CommitLog, *sql.DB, error) {
	cl := n.cfg.Notary.CommitLog
	switch cl.Backend {
	case config.BackendMemory:
		n.logger.Warn("notary commit log is kept in memory; spent inputs are forgotten on restart")
		return uniqueness.NewMemoryLog(), nil, nil

	case config.BackendSQLite, "":
		l, err := ulsqlite.Open(ulsqlite.Config{Path: n.cfg.CommitLogDBPath(), WAL: cl.SQLite.WAL})
		if err != nil {
			return nil, nil, err
		}
		n.onClose(l.Close)
		return l, nil, nil

	case config.BackendPostgres:
		db, err := cppostgres.OpenDB(postgresConfig(cl.Postgres))
		if err != nil {
			return nil, nil, err
		}
		n.onClose(db.Close)
		l := ulpostgres.New(db)
		if err := l.Init(ctx); err != nil {
			return nil, nil, err
		}
		n.checks["commit_log"] = pingDB(db)
		return l, db, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cl.Redis.Addr,
			Password: cl.Redis.Password,
			DB:       cl.Redis.DB,
		})
		n.onClose(client.Close)
		var opts []ulredis.Option
		if cl.Redis.Prefix != "" {
			opts = append(opts, ulredis.WithPrefix(cl.Redis.Prefix))
		}
		l := ulredis.New(client, opts...)
		if err := l.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cl.Redis.Addr, err)
		}
		n.checks["commit_log"] = func(ctx context.Context) (string, error) {
			if err := l.Ping(ctx); err != nil {
				return "", err
			}
			return "ok", nil
		}
		return l, nil, nil

	default:
		return nil, nil, &lferrors.ConfigError{Key: "notary.commit_log.backend", Reason: fmt.Sprintf("unsupported backend %q", cl.Backend)}
	}
}

func pingDB(db *sql.DB) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if err := db.PingContext(ctx); err != nil {
			return "", err
		}
		return "ok", nil
	}
}
