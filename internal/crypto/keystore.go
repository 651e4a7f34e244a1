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

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	keyFileVersion = 1
	kdfArgon2id    = "argon2id"

	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLength   = 32

	saltSize = 16
)

// ErrWrongPassphrase is returned when a key file cannot be decrypted.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

// KeyFile is the on-disk form of an encrypted signing key. Only the
// ed25519 seed is encrypted; the public key is readable without the
// passphrase.
type KeyFile struct {
	Version    int    `json:"version"`
	KeyID      string `json:"key_id"`
	PublicKey  string `json:"public_key"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Public returns the decoded public key.
func (f *KeyFile) Public() (ed25519.PublicKey, error) {
	return DecodePublicKey(f.PublicKey)
}

// SealKey encrypts priv under passphrase.
func SealKey(keyID string, priv ed25519.PrivateKey, passphrase []byte) (*KeyFile, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &KeyFile{
		Version:    keyFileVersion,
		KeyID:      keyID,
		PublicKey:  EncodePublicKey(priv.Public().(ed25519.PublicKey)),
		KDF:        kdfArgon2id,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, priv.Seed(), []byte(keyID)),
	}, nil
}

// Open decrypts the key. The key id is authenticated along with the seed,
// so a renamed key fails to open.
func (f *KeyFile) Open(passphrase []byte) (ed25519.PrivateKey, error) {
	if f.Version != keyFileVersion || f.KDF != kdfArgon2id {
		return nil, fmt.Errorf("unsupported key file (version %d, kdf %q)", f.Version, f.KDF)
	}
	aead, err := newAEAD(passphrase, f.Salt)
	if err != nil {
		return nil, err
	}
	seed, err := aead.Open(nil, f.Nonce, f.Ciphertext, []byte(f.KeyID))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer zero(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, ErrWrongPassphrase
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if pub, err := f.Public(); err != nil || !pub.Equal(priv.Public()) {
		return nil, errors.New("key file public key does not match private key")
	}
	return priv, nil
}

func newAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zero(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// WriteKeyFile writes f to path with owner-only permissions. The write is
// atomic: a temp file is renamed over the target.
func WriteKeyFile(path string, f *KeyFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadKeyFile reads a key file without decrypting it.
func ReadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f KeyFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid key file %s: %w", path, err)
	}
	return &f, nil
}

// LoadKey reads the key file at path, obtains its passphrase from src and
// adds the decrypted key to ring. It returns the key id.
func LoadKey(path string, src PassphraseSource, ring *KeyRing) (string, error) {
	f, err := ReadKeyFile(path)
	if err != nil {
		return "", err
	}
	pass, err := src.Passphrase(f.KeyID)
	if err != nil {
		return "", fmt.Errorf("passphrase for key %s: %w", f.KeyID, err)
	}
	defer zero(pass)
	priv, err := f.Open(pass)
	if err != nil {
		return "", fmt.Errorf("open key %s: %w", f.KeyID, err)
	}
	ring.Add(f.KeyID, priv)
	return f.KeyID, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
