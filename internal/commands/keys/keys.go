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

// Package keys implements the keys command for notary signing keys.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/commands/shared"
	"github.com/tombee/ledgerflow/internal/config"
	"github.com/tombee/ledgerflow/internal/crypto"
)

// passphrases supplies passphrases for new keys. Tests replace it.
var passphrases crypto.PassphraseSource = crypto.DefaultPassphrase()

// storePassphrase saves a passphrase in the OS keyring. Tests replace it.
var storePassphrase = crypto.StorePassphrase

// KeyInfo describes a key file.
type KeyInfo struct {
	KeyID       string `json:"key_id"`
	Path        string `json:"path"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
	KDF         string `json:"kdf"`
	Version     int    `json:"version"`
}

// NewKeysCommand creates the keys command group.
func NewKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage notary signing keys",
		Long: `Generate and inspect the encrypted ed25519 key files notaries sign with.

The passphrase comes from LEDGERFLOW_KEY_PASSPHRASE, the OS keyring or an
interactive prompt, in that order.`,
	}
	cmd.AddCommand(newGenerateCommand(), newShowCommand())
	return cmd
}

func newGenerateCommand() *cobra.Command {
	var (
		out   string
		force bool
		store bool
	)

	cmd := &cobra.Command{
		Use:   "generate <key-id>",
		Short: "Generate a new encrypted signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID := args[0]
			path := out
			if path == "" {
				dir, err := config.ConfigDir()
				if err != nil {
					return shared.NewFailedError("cannot locate config directory", err)
				}
				path = filepath.Join(dir, "keys", keyID+".json")
			}
			if _, err := os.Stat(path); err == nil && !force {
				return shared.NewInvalidInputError(fmt.Sprintf("%s already exists (use --force to overwrite)", path), nil)
			}

			pass, err := passphrases.Passphrase(keyID)
			if err != nil {
				return shared.NewInvalidInputError("no passphrase for the new key", err)
			}
			defer clear(pass)

			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			kf, err := crypto.SealKey(keyID, priv, pass)
			clear(priv)
			if err != nil {
				return fmt.Errorf("failed to seal key: %w", err)
			}
			if err := crypto.WriteKeyFile(path, kf); err != nil {
				return err
			}
			if store {
				if err := storePassphrase(keyID, pass); err != nil {
					return shared.NewFailedError("key written but the passphrase could not be stored", err)
				}
			}

			info := describe(path, kf, pub)
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Key %s written to %s\n", keyID, path)
			fmt.Fprintf(w, "Public key:  %s\n", info.PublicKey)
			fmt.Fprintf(w, "Fingerprint: %s\n", info.Fingerprint)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Add the public key to the notary's network map entry:")
			fmt.Fprintf(w, "  public_key: %s\n", info.PublicKey)
			fmt.Fprintln(w, "  notary: true")
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Key file path (default: <config dir>/keys/<key-id>.json)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key file")
	cmd.Flags().BoolVar(&store, "store-passphrase", false, "Save the passphrase in the OS keyring")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key-file>",
		Short: "Show a key file's id and public key",
		Long:  `Show a key file's metadata. The passphrase is not needed.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kf, err := crypto.ReadKeyFile(args[0])
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return &shared.ExitError{Code: shared.ExitNotFound, Message: "key file not found", Cause: err}
				}
				return shared.NewInvalidInputError("cannot read key file", err)
			}
			pub, err := kf.Public()
			if err != nil {
				return shared.NewInvalidInputError("key file has a bad public key", err)
			}
			info := describe(args[0], kf, pub)
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Key ID:      %s\n", info.KeyID)
			fmt.Fprintf(w, "Public key:  %s\n", info.PublicKey)
			fmt.Fprintf(w, "Fingerprint: %s\n", info.Fingerprint)
			fmt.Fprintf(w, "KDF:         %s (v%d)\n", info.KDF, info.Version)
			return nil
		},
	}
}

func describe(path string, kf *crypto.KeyFile, pub ed25519.PublicKey) KeyInfo {
	return KeyInfo{
		KeyID:       kf.KeyID,
		Path:        path,
		PublicKey:   crypto.EncodePublicKey(pub),
		Fingerprint: Fingerprint(pub),
		KDF:         kf.KDF,
		Version:     kf.Version,
	}
}

// Fingerprint is the first 8 bytes of the key's SHA-256, hex encoded.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
