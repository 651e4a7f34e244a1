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

// Package crypto provides the signing service consumed by the notary and
// an encrypted on-disk store for ed25519 keys.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownKey is returned when a key id has no key behind it.
var ErrUnknownKey = errors.New("unknown signing key")

// Signer signs digests with a named key. Implementations may be remote
// (an HSM or signing service), so calls take a context.
type Signer interface {
	Sign(ctx context.Context, digest []byte, keyID string) ([]byte, error)
	PublicKey(ctx context.Context, keyID string) (ed25519.PublicKey, error)
}

// KeyRing is an in-process Signer holding ed25519 private keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewKeyRing returns an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PrivateKey)}
}

// Add registers priv under keyID, replacing any previous key.
func (k *KeyRing) Add(keyID string, priv ed25519.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv
}

// Generate creates and registers a fresh key.
func (k *KeyRing) Generate(keyID string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	k.Add(keyID, priv)
	return pub, nil
}

// Sign implements Signer.
func (k *KeyRing) Sign(ctx context.Context, digest []byte, keyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.RLock()
	priv, ok := k.keys[keyID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return ed25519.Sign(priv, digest), nil
}

// PublicKey implements Signer.
func (k *KeyRing) PublicKey(_ context.Context, keyID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	priv, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Verify checks sig over digest.
func Verify(pub ed25519.PublicKey, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// EncodePublicKey renders a public key the way the network map stores it.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
