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

// Package redis provides a Redis commit log. Each resource is a hash under
// a common hash tag so that one Lua script can check and write a whole
// batch atomically, including on Redis Cluster.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
)

var _ uniqueness.CommitLog = (*Log)(nil)

const defaultPrefix = "ledgerflow:{commits}:"

// insertScript checks every key, then writes every key, in one step.
// KEYS[i] = resource key
// ARGV[3i-2], ARGV[3i-1], ARGV[3i] = tx id, party, committed at (RFC 3339)
// Returns a flat list of key, holding tx id pairs; empty on success.
var insertScript = redis.NewScript(`
local conflicts = {}
for i, key in ipairs(KEYS) do
  local held = redis.call("HGET", key, "tx_id")
  if held and held ~= ARGV[3*i-2] then
    table.insert(conflicts, key)
    table.insert(conflicts, held)
  end
end
if #conflicts > 0 then
  return conflicts
end
for i, key in ipairs(KEYS) do
  if redis.call("HSETNX", key, "tx_id", ARGV[3*i-2]) == 1 then
    redis.call("HSET", key, "party", ARGV[3*i-1], "committed_at", ARGV[3*i])
  end
end
return conflicts
`)

// Option configures the Log.
type Option func(*Log)

// WithPrefix sets the key prefix. Keep a hash tag in it when running on
// Redis Cluster.
func WithPrefix(p string) Option {
	return func(l *Log) { l.prefix = p }
}

// Log is a Redis-backed commit log. The caller owns the client lifecycle.
type Log struct {
	client redis.Cmdable
	prefix string
}

// New creates a commit log on client.
func New(client redis.Cmdable, opts ...Option) *Log {
	l := &Log{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Ping verifies the Redis connection is alive.
func (l *Log) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// InsertIfAbsent implements uniqueness.CommitLog.
func (l *Log) InsertIfAbsent(ctx context.Context, entries []uniqueness.Entry) (map[string]string, error) {
	keys := make([]string, len(entries))
	args := make([]any, 0, 3*len(entries))
	for i, e := range entries {
		keys[i] = l.prefix + e.ResourceRef
		args = append(args, e.TxID, e.Party, e.CommittedAt.UTC().Format(time.RFC3339Nano))
	}
	res, err := insertScript.Run(ctx, l.client, keys, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis commit log: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	if len(res)%2 != 0 {
		return nil, fmt.Errorf("redis commit log: malformed script reply of %d items", len(res))
	}
	winners := make(map[string]string, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		winners[strings.TrimPrefix(res[i], l.prefix)] = res[i+1]
	}
	return winners, nil
}

// Lookup implements uniqueness.CommitLog.
func (l *Log) Lookup(ctx context.Context, ref string) (string, bool, error) {
	tx, err := l.client.HGet(ctx, l.prefix+ref, "tx_id").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis commit log: %w", err)
	}
	return tx, true, nil
}
