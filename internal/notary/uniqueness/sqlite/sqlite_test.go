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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness/logtest"
)

func TestLog_Contract(t *testing.T) {
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "commits.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	logtest.Run(t, l)
}

func TestLog_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.db")
	ctx := context.Background()

	l, err := Open(Config{Path: path})
	require.NoError(t, err)
	_, err = l.InsertIfAbsent(ctx, []uniqueness.Entry{{ResourceRef: "R1", TxID: "T1"}})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer l.Close()

	winners, err := l.InsertIfAbsent(ctx, []uniqueness.Entry{{ResourceRef: "R1", TxID: "T2"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"R1": "T1"}, winners)
}
