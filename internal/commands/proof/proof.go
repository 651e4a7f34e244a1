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

// Package proof implements offline verification of notary signatures.
package proof

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/ledgerflow/internal/commands/shared"
	"github.com/tombee/ledgerflow/internal/crypto"
	"github.com/tombee/ledgerflow/internal/netmap"
	"github.com/tombee/ledgerflow/internal/notary"
	"github.com/tombee/ledgerflow/internal/notary/batchsign"
)

// Result is the outcome of a verification.
type Result struct {
	Valid  bool   `json:"valid"`
	TxID   string `json:"tx_id"`
	KeyID  string `json:"key_id"`
	Root   string `json:"root"`
	Notary string `json:"notary,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewProofCommand creates the proof command group.
func NewProofCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proof",
		Short: "Verify notary signatures",
	}
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var (
		publicKey  string
		networkMap string
		notaryName string
		txID       string
	)

	cmd := &cobra.Command{
		Use:   "verify <signature-file>",
		Short: "Verify a transaction signature",
		Long: `Verify a notary's transaction signature: the Merkle proof must bind the
transaction id to the signed root and the root signature must check
against the notary's public key.

The file holds either a transaction signature or a complete notary
response. The key is given with --public-key, or looked up by --notary in
the --network-map file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := readSignature(args[0])
			if err != nil {
				return err
			}
			if txID != "" && ts.TxID != txID {
				return shared.NewFailedError("signature mismatch",
					fmt.Errorf("signature certifies %s, not %s", ts.TxID, txID))
			}
			pub, err := resolveKey(publicKey, networkMap, notaryName)
			if err != nil {
				return err
			}

			res := Result{Valid: true, TxID: ts.TxID, KeyID: ts.KeyID, Root: ts.Root.String(), Notary: notaryName}
			verr := ts.Verify(pub)
			if verr != nil {
				res.Valid = false
				res.Error = verr.Error()
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				if err := shared.EmitJSON(out, res); err != nil {
					return err
				}
			} else if verr == nil {
				fmt.Fprintf(out, "Signature valid\n")
				fmt.Fprintf(out, "  transaction: %s\n", res.TxID)
				fmt.Fprintf(out, "  key:         %s\n", res.KeyID)
				fmt.Fprintf(out, "  root:        %s\n", res.Root)
			}
			if verr != nil {
				return shared.NewFailedError("signature invalid", verr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&publicKey, "public-key", "", "Notary public key (base64)")
	cmd.Flags().StringVar(&networkMap, "network-map", "", "Network map file to read the notary's key from")
	cmd.Flags().StringVar(&notaryName, "notary", "", "Notary party name in the network map")
	cmd.Flags().StringVar(&txID, "tx-id", "", "Require the signature to certify this transaction")
	return cmd
}

func readSignature(path string) (*batchsign.TransactionSignature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.NewInvalidInputError("cannot read signature file", err)
	}
	var resp notary.Response
	if err := json.Unmarshal(data, &resp); err == nil && resp.Status != "" {
		if resp.Signature == nil {
			return nil, shared.NewInvalidInputError(fmt.Sprintf("notary response has status %s and carries no signature", resp.Status), nil)
		}
		return resp.Signature, nil
	}
	var ts batchsign.TransactionSignature
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, shared.NewInvalidInputError("signature file is not valid JSON", err)
	}
	if ts.TxID == "" || len(ts.Signature) == 0 {
		return nil, shared.NewInvalidInputError("signature file has no tx_id or signature", nil)
	}
	return &ts, nil
}

func resolveKey(publicKey, mapPath, notaryName string) (ed25519.PublicKey, error) {
	switch {
	case publicKey != "":
		pub, err := crypto.DecodePublicKey(publicKey)
		if err != nil {
			return nil, shared.NewInvalidInputError("bad --public-key", err)
		}
		return pub, nil
	case mapPath != "" && notaryName != "":
		m, err := netmap.Load(mapPath)
		if err != nil {
			return nil, shared.NewInvalidInputError("cannot load network map", err)
		}
		p, ok := m.Lookup(notaryName)
		if !ok {
			return nil, &shared.ExitError{Code: shared.ExitNotFound, Message: fmt.Sprintf("party %s is not in the network map", notaryName)}
		}
		if !p.Notary {
			return nil, shared.NewInvalidInputError(fmt.Sprintf("party %s is not a notary", notaryName), nil)
		}
		pub, err := p.Key()
		if err != nil {
			return nil, shared.NewInvalidInputError("bad notary key", err)
		}
		return pub, nil
	}
	return nil, shared.NewInvalidInputError("a key is required", errors.New("pass --public-key, or --network-map with --notary"))
}
