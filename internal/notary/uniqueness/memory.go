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

package uniqueness

import (
	"context"
	"sync"
)

// MemoryLog is an in-process CommitLog.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string]Entry)}
}

// InsertIfAbsent implements CommitLog.
func (m *MemoryLog) InsertIfAbsent(ctx context.Context, entries []Entry) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var winners map[string]string
	for _, e := range entries {
		if held, ok := m.entries[e.ResourceRef]; ok && held.TxID != e.TxID {
			if winners == nil {
				winners = make(map[string]string)
			}
			winners[e.ResourceRef] = held.TxID
		}
	}
	if winners != nil {
		return winners, nil
	}
	for _, e := range entries {
		if _, ok := m.entries[e.ResourceRef]; !ok {
			m.entries[e.ResourceRef] = e
		}
	}
	return nil, nil
}

// Lookup implements CommitLog.
func (m *MemoryLog) Lookup(_ context.Context, ref string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ref]
	return e.TxID, ok, nil
}

// Len returns the number of recorded resources.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
