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

// Package batchsign certifies many transactions with a single signature.
//
// The notary hashes the canonical (sorted, deduplicated) transaction ids
// into a Merkle tree and signs only the root. Each requester receives a
// TransactionSignature: the root signature plus the inclusion proof for
// its own id, which verifies independently of the rest of the batch.
package batchsign

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"

	"github.com/tombee/ledgerflow/internal/crypto"
	"github.com/tombee/ledgerflow/internal/merkle"
)

var (
	// ErrEmptyBatch is returned when signing no transactions.
	ErrEmptyBatch = errors.New("batchsign: empty batch")

	// ErrNotInBatch is returned for a transaction the batch does not cover.
	ErrNotInBatch = errors.New("batchsign: transaction not in batch")

	// ErrInvalidSignature is returned when verification fails.
	ErrInvalidSignature = errors.New("batchsign: invalid signature")
)

// BatchSignature is one signature over the Merkle root of a batch.
type BatchSignature struct {
	KeyID     string       `json:"key_id"`
	Root      merkle.Hash  `json:"root"`
	Signature []byte       `json:"signature"`
	TxIDs     []string     `json:"tx_ids"`
	Tree      *merkle.Tree `json:"tree"`
}

// TransactionSignature certifies a single transaction.
type TransactionSignature struct {
	TxID      string       `json:"tx_id"`
	KeyID     string       `json:"key_id"`
	Root      merkle.Hash  `json:"root"`
	Signature []byte       `json:"signature"`
	Proof     merkle.Proof `json:"proof"`
}

// Canonical sorts and deduplicates ids. Empty ids are dropped.
func Canonical(txIDs []string) []string {
	out := make([]string, 0, len(txIDs))
	for _, id := range txIDs {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i == 0 || id != out[n-1] {
			out[n] = id
			n++
		}
	}
	return out[:n]
}

// Sign builds the tree over txIDs and signs its root with keyID.
func Sign(ctx context.Context, txIDs []string, signer crypto.Signer, keyID string) (*BatchSignature, error) {
	ids := Canonical(txIDs)
	if len(ids) == 0 {
		return nil, ErrEmptyBatch
	}
	leaves := make([][]byte, len(ids))
	for i, id := range ids {
		leaves[i] = []byte(id)
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	sig, err := signer.Sign(ctx, root[:], keyID)
	if err != nil {
		return nil, fmt.Errorf("sign batch root: %w", err)
	}
	return &BatchSignature{
		KeyID:     keyID,
		Root:      root,
		Signature: sig,
		TxIDs:     ids,
		Tree:      tree,
	}, nil
}

// ProofFor extracts the certificate for txID.
func ProofFor(bs *BatchSignature, txID string) (*TransactionSignature, error) {
	i := sort.SearchStrings(bs.TxIDs, txID)
	if i == len(bs.TxIDs) || bs.TxIDs[i] != txID {
		return nil, fmt.Errorf("%w: %s", ErrNotInBatch, txID)
	}
	p, err := bs.Tree.Proof(i)
	if err != nil {
		return nil, err
	}
	return &TransactionSignature{
		TxID:      txID,
		KeyID:     bs.KeyID,
		Root:      bs.Root,
		Signature: append([]byte(nil), bs.Signature...),
		Proof:     *p,
	}, nil
}

// Verify checks the batch signature and that every stored id is a leaf.
func (bs *BatchSignature) Verify(pub ed25519.PublicKey) error {
	if err := bs.Tree.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if bs.Tree.Root() != bs.Root || bs.Tree.Len() != len(bs.TxIDs) {
		return fmt.Errorf("%w: tree does not match batch", ErrInvalidSignature)
	}
	for i, id := range bs.TxIDs {
		if bs.Tree.Leaf(i) != merkle.LeafHash([]byte(id)) {
			return fmt.Errorf("%w: leaf %d is not %s", ErrInvalidSignature, i, id)
		}
	}
	if !crypto.Verify(pub, bs.Root[:], bs.Signature) {
		return fmt.Errorf("%w: root signature", ErrInvalidSignature)
	}
	return nil
}

// Verify checks that the proof binds TxID to the signed root.
func (ts *TransactionSignature) Verify(pub ed25519.PublicKey) error {
	if ts.Proof.Leaf != merkle.LeafHash([]byte(ts.TxID)) {
		return fmt.Errorf("%w: proof is not for %s", ErrInvalidSignature, ts.TxID)
	}
	if !ts.Proof.Verify(ts.Root) {
		return fmt.Errorf("%w: proof does not reach root", ErrInvalidSignature)
	}
	if !crypto.Verify(pub, ts.Root[:], ts.Signature) {
		return fmt.Errorf("%w: root signature", ErrInvalidSignature)
	}
	return nil
}
