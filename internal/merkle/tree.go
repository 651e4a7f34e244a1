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

// Package merkle builds binary hash trees over opaque leaves and produces
// inclusion proofs for them.
//
// Leaf and interior hashes are domain separated:
//
//	leaf = SHA256("ledgerflow:merkle:leaf:v1\x00" || data)
//	node = SHA256("ledgerflow:merkle:node:v1\x00" || left || right)
//
// A level with an odd number of nodes duplicates its last node.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	leafPrefix = "ledgerflow:merkle:leaf:v1\x00"
	nodePrefix = "ledgerflow:merkle:node:v1\x00"
)

// ErrEmpty is returned when building a tree with no leaves.
var ErrEmpty = errors.New("merkle: no leaves")

// Hash is a SHA-256 digest. It marshals as lowercase hex.
type Hash [sha256.Size]byte

// String returns the hex encoding of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(b []byte) error {
	if hex.DecodedLen(len(b)) != sha256.Size {
		return fmt.Errorf("merkle: hash must be %d hex characters, got %d", 2*sha256.Size, len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// LeafHash hashes one leaf.
func LeafHash(data []byte) Hash {
	d := sha256.New()
	d.Write([]byte(leafPrefix))
	d.Write(data)
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// NodeHash hashes two children.
func NodeHash(left, right Hash) Hash {
	d := sha256.New()
	d.Write([]byte(nodePrefix))
	d.Write(left[:])
	d.Write(right[:])
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// Tree is an immutable Merkle tree. Levels[0] holds the leaf hashes and the
// last level holds the root.
type Tree struct {
	Levels [][]Hash `json:"levels"`
}

// Build hashes leaves in the given order and constructs the tree.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}
	level := make([]Hash, len(leaves))
	for i, l := range leaves {
		level[i] = LeafHash(l)
	}
	return FromLeafHashes(level)
}

// FromLeafHashes constructs the tree over already hashed leaves.
func FromLeafHashes(hashes []Hash) (*Tree, error) {
	if len(hashes) == 0 {
		return nil, ErrEmpty
	}
	level := append([]Hash(nil), hashes...)
	t := &Tree{Levels: [][]Hash{level}}
	for len(level) > 1 {
		level = nextLevel(level)
		t.Levels = append(t.Levels, level)
	}
	return t, nil
}

func nextLevel(hashes []Hash) []Hash {
	n := len(hashes)
	next := make([]Hash, (n+1)/2)
	for i := 0; i < n; i += 2 {
		right := hashes[i]
		if i+1 < n {
			right = hashes[i+1]
		}
		next[i/2] = NodeHash(hashes[i], right)
	}
	return next
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int { return len(t.Levels[0]) }

// Leaf returns the hash of leaf i.
func (t *Tree) Leaf(i int) Hash { return t.Levels[0][i] }

// Validate recomputes every interior level and reports whether the stored
// levels are consistent. Trees decoded from untrusted input should be
// validated before use.
func (t *Tree) Validate() error {
	if t == nil || len(t.Levels) == 0 || len(t.Levels[0]) == 0 {
		return ErrEmpty
	}
	rebuilt, err := FromLeafHashes(t.Levels[0])
	if err != nil {
		return err
	}
	if len(rebuilt.Levels) != len(t.Levels) {
		return fmt.Errorf("merkle: tree has %d levels, want %d", len(t.Levels), len(rebuilt.Levels))
	}
	for i := range rebuilt.Levels {
		if len(rebuilt.Levels[i]) != len(t.Levels[i]) {
			return fmt.Errorf("merkle: level %d has %d nodes, want %d", i, len(t.Levels[i]), len(rebuilt.Levels[i]))
		}
		for j := range rebuilt.Levels[i] {
			if rebuilt.Levels[i][j] != t.Levels[i][j] {
				return fmt.Errorf("merkle: node %d at level %d does not match its children", j, i)
			}
		}
	}
	return nil
}
