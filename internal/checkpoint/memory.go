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

package checkpoint

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps checkpoints in process memory. It survives a simulated
// crash in tests as long as the same instance is handed to the restarted
// scheduler.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]*Checkpoint)}
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.FlowID] = cp.Clone()
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context, flowID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cps[flowID].Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, flowID)
	return nil
}

// All implements Store. Results are ordered by flow id.
func (m *MemoryStore) All(ctx context.Context) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		out = append(out, cp.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}
