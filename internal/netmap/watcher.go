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

package netmap

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a network map in sync with its file. A file that fails to
// parse is logged and the previous map stays in effect.
type Watcher struct {
	path    string
	current atomic.Pointer[Map]
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	onLoad  func(*Map)
	started atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher loads path and prepares to watch it. onLoad, if set, is
// called after every successful reload.
func NewWatcher(path string, logger *slog.Logger, onLoad func(*Map)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	m, err := Load(absPath)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch network map: %w", err)
	}

	w := &Watcher{
		path:    absPath,
		watcher: fsw,
		logger:  logger.With(slog.String("component", "netmap"), slog.String("path", absPath)),
		onLoad:  onLoad,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.current.Store(m)
	return w, nil
}

// Start begins watching for changes.
func (w *Watcher) Start(ctx context.Context) {
	if w.started.CompareAndSwap(false, true) {
		go w.eventLoop(ctx)
	}
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	if w.started.Load() {
		<-w.doneCh
	}
	return w.watcher.Close()
}

// Current returns the map in effect.
func (w *Watcher) Current() *Map { return w.current.Load() }

// Lookup resolves name against the current map.
func (w *Watcher) Lookup(name string) (Party, bool) {
	return w.Current().Lookup(name)
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("network map watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		w.logger.Warn("keeping previous network map", "error", err)
		return
	}
	w.current.Store(m)
	w.logger.Info("network map reloaded", slog.Int("parties", len(m.parties)))
	if w.onLoad != nil {
		w.onLoad(m)
	}
}
