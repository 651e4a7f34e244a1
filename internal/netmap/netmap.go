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

// Package netmap describes the parties on the network: where to reach them
// and which keys they sign with.
package netmap

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Party is one entry of the network map.
type Party struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`

	// PublicKey is the base64-encoded ed25519 public key.
	PublicKey string `yaml:"public_key,omitempty" json:"public_key,omitempty"`

	// Notary marks parties that run a uniqueness service.
	Notary bool `yaml:"notary,omitempty" json:"notary,omitempty"`
}

// Key decodes the party's public key.
func (p Party) Key() (ed25519.PublicKey, error) {
	if p.PublicKey == "" {
		return nil, &lferrors.NotFoundError{Resource: "public key", ID: p.Name}
	}
	raw, err := base64.StdEncoding.DecodeString(p.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("party %s: invalid public key: %w", p.Name, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("party %s: public key has %d bytes, want %d", p.Name, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Resolver looks parties up by name.
type Resolver interface {
	Lookup(name string) (Party, bool)
}

// Map is an immutable snapshot of the network.
type Map struct {
	parties map[string]Party
}

type document struct {
	Parties []Party `yaml:"parties"`
}

// New builds a map from parties. Names must be unique and non-empty.
func New(parties ...Party) (*Map, error) {
	m := &Map{parties: make(map[string]Party, len(parties))}
	for i, p := range parties {
		if p.Name == "" {
			return nil, &lferrors.ValidationError{Field: fmt.Sprintf("parties[%d].name", i), Message: "name is required"}
		}
		if _, dup := m.parties[p.Name]; dup {
			return nil, &lferrors.ValidationError{Field: fmt.Sprintf("parties[%d].name", i), Message: fmt.Sprintf("duplicate party %s", p.Name)}
		}
		if p.PublicKey != "" {
			if _, err := p.Key(); err != nil {
				return nil, &lferrors.ValidationError{Field: fmt.Sprintf("parties[%d].public_key", i), Message: err.Error()}
			}
		}
		m.parties[p.Name] = p
	}
	return m, nil
}

// Parse decodes a YAML network map.
func Parse(data []byte) (*Map, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse network map: %w", err)
	}
	return New(doc.Parties...)
}

// Load reads and parses the network map at path.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network map: %w", err)
	}
	return Parse(data)
}

// Lookup returns the party called name.
func (m *Map) Lookup(name string) (Party, bool) {
	p, ok := m.parties[name]
	return p, ok
}

// Parties returns every party sorted by name.
func (m *Map) Parties() []Party {
	out := make([]Party, 0, len(m.parties))
	for _, p := range m.parties {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Notaries returns the notary parties sorted by name.
func (m *Map) Notaries() []Party {
	var out []Party
	for _, p := range m.Parties() {
		if p.Notary {
			out = append(out, p)
		}
	}
	return out
}
