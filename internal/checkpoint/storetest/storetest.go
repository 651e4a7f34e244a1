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

// Package storetest holds the behaviour every checkpoint.Store backend must
// share.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/checkpoint"
)

// Run exercises store against the checkpoint.Store contract. The store must
// be empty.
func Run(t *testing.T, store checkpoint.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("load missing returns nil", func(t *testing.T) {
		cp, err := store.Load(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("save then load", func(t *testing.T) {
		in := &checkpoint.Checkpoint{
			FlowID:      "flow-a",
			FlowName:    "counter",
			FlowVersion: "1.0.0",
			Status:      checkpoint.StatusSuspended,
			Awaiting:    "timer",
			Codec:       "json",
			Frame:       []byte(`{"step":1}`),
			Revision:    1,
		}
		require.NoError(t, store.Save(ctx, in))

		out, err := store.Load(ctx, "flow-a")
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, in.FlowName, out.FlowName)
		assert.Equal(t, in.FlowVersion, out.FlowVersion)
		assert.Equal(t, in.Status, out.Status)
		assert.Equal(t, in.Awaiting, out.Awaiting)
		assert.Equal(t, in.Frame, out.Frame)
		assert.Equal(t, int64(1), out.Revision)
	})

	t.Run("save overwrites", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
			FlowID: "flow-a", FlowName: "counter", Status: checkpoint.StatusSuspended,
			Codec: "json", Frame: []byte(`{"step":2}`), Revision: 2,
		}))
		out, err := store.Load(ctx, "flow-a")
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, []byte(`{"step":2}`), out.Frame)
		assert.Equal(t, int64(2), out.Revision)

		all, err := store.All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("all lists every flow", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
				FlowID: fmt.Sprintf("flow-%d", i), FlowName: "counter",
				Status: checkpoint.StatusSuspended, Codec: "json", Frame: []byte(`{}`),
			}))
		}
		all, err := store.All(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(all))
		for _, cp := range all {
			ids = append(ids, cp.FlowID)
		}
		assert.ElementsMatch(t, []string{"flow-a", "flow-0", "flow-1", "flow-2"}, ids)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "flow-a"))
		require.NoError(t, store.Delete(ctx, "flow-a"), "deleting twice is not an error")
		cp, err := store.Load(ctx, "flow-a")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})
}
