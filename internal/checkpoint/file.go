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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*FileStore)(nil)

const (
	fileSuffix = ".json"
	tmpMarker  = ".tmp."
)

// FileStore stores one JSON file per flow in a directory. Writes go to a
// temporary file which is fsynced and renamed over the target, so a crash
// leaves either the old or the new checkpoint in place.
type FileStore struct {
	mu  sync.RWMutex
	dir string
	now func() time.Time
}

// FileStoreConfig contains file store configuration.
type FileStoreConfig struct {
	// Dir is the directory to store checkpoint files.
	Dir string
}

// NewFileStore creates the checkpoint directory if needed and removes
// temporary files left behind by an interrupted save.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), tmpMarker) {
			_ = os.Remove(filepath.Join(cfg.Dir, entry.Name()))
		}
	}

	return &FileStore{dir: cfg.Dir, now: time.Now}, nil
}

// OpenFileStore opens an existing checkpoint directory without creating
// it or removing leftover temporary files, for inspecting the directory of
// a node that may still be running.
func OpenFileStore(dir string) (*FileStore, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint directory: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.FlowID == "" || strings.ContainsAny(cp.FlowID, `/\`) {
		return fmt.Errorf("invalid flow id %q", cp.FlowID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = s.now()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := writeFileAtomic(s.path(cp.FlowID), data, 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, flowID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(flowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint %s: %w", flowID, err)
	}
	return &cp, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(flowID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// All implements Store. Unreadable files are returned as checkpoints with
// an empty Frame and FlowName so the scheduler can hospitalize them.
func (s *FileStore) All(ctx context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var out []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) || strings.Contains(name, tmpMarker) {
			continue
		}
		flowID := strings.TrimSuffix(name, fileSuffix)

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", flowID, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			out = append(out, &Checkpoint{FlowID: flowID, Status: StatusHospitalized})
			continue
		}
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

func (s *FileStore) path(flowID string) string {
	return filepath.Join(s.dir, flowID+fileSuffix)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tmpMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
