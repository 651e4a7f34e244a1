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

// Package statecell holds a single versioned value that goroutines can
// read, replace and wait on.
package statecell

import (
	"context"
	"sync"
)

// Cell is a versioned value. Every Set bumps the version and wakes
// waiters. The zero value is not usable; call New.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	changed chan struct{}
}

// New returns a cell holding initial at version 0.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial, changed: make(chan struct{})}
}

// Get returns the current value and its version.
func (c *Cell[T]) Get() (T, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.version
}

// Set replaces the value and returns the new version.
func (c *Cell[T]) Set(v T) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
	return c.version
}

// Update applies fn to the value under the lock. If fn reports no change,
// the version is kept and waiters stay asleep.
func (c *Cell[T]) Update(fn func(T) (T, bool)) (T, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, changed := fn(c.value)
	if changed {
		c.value = next
		c.version++
		close(c.changed)
		c.changed = make(chan struct{})
	}
	return c.value, c.version
}

// Wait blocks until the version is greater than after, then returns the
// value and version at that point.
func (c *Cell[T]) Wait(ctx context.Context, after uint64) (T, uint64, error) {
	for {
		c.mu.Lock()
		v, ver, ch := c.value, c.version, c.changed
		c.mu.Unlock()
		if ver > after {
			return v, ver, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ver, ctx.Err()
		}
	}
}
