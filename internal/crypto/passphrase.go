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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// PassphraseEnv names the environment variable consulted first for a key
// passphrase.
const PassphraseEnv = "LEDGERFLOW_KEY_PASSPHRASE"

// keyringService is the service name used for OS keyring entries.
const keyringService = "ledgerflow"

// ErrNoPassphrase means a source has nothing for the requested key.
var ErrNoPassphrase = errors.New("no passphrase available")

// PassphraseSource yields the passphrase protecting a key.
type PassphraseSource interface {
	Passphrase(keyID string) ([]byte, error)
}

// PassphraseFunc adapts a function to PassphraseSource.
type PassphraseFunc func(keyID string) ([]byte, error)

// Passphrase implements PassphraseSource.
func (f PassphraseFunc) Passphrase(keyID string) ([]byte, error) { return f(keyID) }

// EnvPassphrase reads the passphrase from an environment variable.
type EnvPassphrase struct {
	Var string
}

// Passphrase implements PassphraseSource.
func (e EnvPassphrase) Passphrase(string) ([]byte, error) {
	name := e.Var
	if name == "" {
		name = PassphraseEnv
	}
	v := os.Getenv(name)
	if v == "" {
		return nil, ErrNoPassphrase
	}
	return []byte(v), nil
}

// KeyringPassphrase reads the passphrase from the OS keyring, keyed by
// key id.
type KeyringPassphrase struct{}

// Passphrase implements PassphraseSource.
func (KeyringPassphrase) Passphrase(keyID string) ([]byte, error) {
	v, err := keyring.Get(keyringService, keyID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoPassphrase
		}
		// a locked or absent keyring service falls through to the next source
		return nil, fmt.Errorf("%w: keyring: %v", ErrNoPassphrase, err)
	}
	return []byte(v), nil
}

// StorePassphrase saves a key's passphrase in the OS keyring.
func StorePassphrase(keyID string, passphrase []byte) error {
	if err := keyring.Set(keyringService, keyID, string(passphrase)); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	return nil
}

// PromptPassphrase asks on the terminal. It reports ErrNoPassphrase when
// stdin is not a terminal, so daemons never block on it.
type PromptPassphrase struct {
	In  *os.File
	Out io.Writer
}

// Passphrase implements PassphraseSource.
func (p PromptPassphrase) Passphrase(keyID string) ([]byte, error) {
	in, out := p.In, p.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoPassphrase
	}
	fmt.Fprintf(out, "Passphrase for key %s: ", keyID)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if s := strings.TrimSpace(string(b)); s != "" {
		return []byte(s), nil
	}
	return nil, ErrNoPassphrase
}

// Chain tries each source in order and returns the first passphrase found.
type Chain []PassphraseSource

// Passphrase implements PassphraseSource.
func (c Chain) Passphrase(keyID string) ([]byte, error) {
	for _, src := range c {
		p, err := src.Passphrase(keyID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNoPassphrase) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w (set %s, store it in the OS keyring or run interactively)", ErrNoPassphrase, PassphraseEnv)
}

// DefaultPassphrase is the environment, then the OS keyring, then the
// terminal.
func DefaultPassphrase() PassphraseSource {
	return Chain{EnvPassphrase{}, KeyringPassphrase{}, PromptPassphrase{}}
}
