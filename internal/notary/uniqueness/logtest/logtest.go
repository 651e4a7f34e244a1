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

// Package logtest holds the behaviour every uniqueness.CommitLog backend
// must share.
package logtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
)

func entry(ref, tx string) uniqueness.Entry {
	return uniqueness.Entry{ResourceRef: ref, TxID: tx, Party: "alice", CommittedAt: time.Unix(1700000000, 0).UTC()}
}

// Run exercises log against the CommitLog contract. The log must be empty.
func Run(t *testing.T, log uniqueness.CommitLog) {
	t.Helper()
	ctx := context.Background()

	t.Run("lookup missing", func(t *testing.T) {
		_, ok, err := log.Lookup(ctx, "nothing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("insert then lookup", func(t *testing.T) {
		winners, err := log.InsertIfAbsent(ctx, []uniqueness.Entry{entry("a1", "T1"), entry("a2", "T1")})
		require.NoError(t, err)
		assert.Empty(t, winners)

		tx, ok, err := log.Lookup(ctx, "a2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "T1", tx)
	})

	t.Run("same transaction again is idempotent", func(t *testing.T) {
		winners, err := log.InsertIfAbsent(ctx, []uniqueness.Entry{entry("a1", "T1"), entry("a3", "T1")})
		require.NoError(t, err)
		assert.Empty(t, winners)
		tx, ok, err := log.Lookup(ctx, "a3")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "T1", tx)
	})

	t.Run("conflict writes nothing", func(t *testing.T) {
		winners, err := log.InsertIfAbsent(ctx, []uniqueness.Entry{entry("b1", "T2"), entry("a1", "T2")})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a1": "T1"}, winners)

		_, ok, err := log.Lookup(ctx, "b1")
		require.NoError(t, err)
		assert.False(t, ok, "partial batch must not be recorded")

		tx, _, err := log.Lookup(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "T1", tx, "entry must never change once written")
	})

	t.Run("racing batches have one winner", func(t *testing.T) {
		const racers = 8
		var wg sync.WaitGroup
		results := make([]map[string]string, racers)
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tx := fmt.Sprintf("R%d", i)
				results[i], errs[i] = log.InsertIfAbsent(ctx, []uniqueness.Entry{entry("c1", tx), entry("c2", tx)})
			}(i)
		}
		wg.Wait()

		winner, ok, err := log.Lookup(ctx, "c1")
		require.NoError(t, err)
		require.True(t, ok)
		second, _, err := log.Lookup(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, winner, second)

		wins := 0
		for i := 0; i < racers; i++ {
			require.NoError(t, errs[i])
			if len(results[i]) == 0 {
				wins++
				assert.Equal(t, fmt.Sprintf("R%d", i), winner)
				continue
			}
			for _, held := range results[i] {
				assert.Equal(t, winner, held)
			}
		}
		assert.Equal(t, 1, wins)
	})
}
