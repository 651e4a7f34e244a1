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

package notary

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/notary/batchsign"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// KeyResolver returns the signing key of a notary party.
type KeyResolver interface {
	NotaryKey(ctx context.Context, party string) (ed25519.PublicKey, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, party string) (ed25519.PublicKey, error)

// NotaryKey implements KeyResolver.
func (f KeyResolverFunc) NotaryKey(ctx context.Context, party string) (ed25519.PublicKey, error) {
	return f(ctx, party)
}

// Result is what a successful Notarise flow returns.
type Result struct {
	TxID      string                          `json:"tx_id"`
	Notary    string                          `json:"notary"`
	Signature *batchsign.TransactionSignature `json:"signature"`
}

// Notarise asks a notary to certify that a transaction's inputs are
// unspent. It fails with a ConflictError when any input is already
// consumed by another transaction.
type Notarise struct {
	Notary string                `json:"notary"`
	TxID   string                `json:"tx_id"`
	Inputs []string              `json:"inputs"`
	Window uniqueness.TimeWindow `json:"window"`

	Stage   int    `json:"stage"`
	Session string `json:"session,omitempty"`

	keys KeyResolver
}

// Step implements flow.Logic.
func (n *Notarise) Step(fc *flow.Context) (flow.Suspension, error) {
	switch n.Stage {
	case 0:
		req, err := n.request()
		if err != nil {
			return nil, err
		}
		sid, err := fc.InitiateSession(n.Notary)
		if err != nil {
			return nil, err
		}
		n.Session, n.Stage = sid, 1
		return fc.SendAndReceive(sid, req)

	default:
		var resp Response
		if err := fc.Message(&resp); err != nil {
			return nil, err
		}
		switch resp.Status {
		case StatusSigned:
			if err := n.verify(fc.Context(), resp.Signature); err != nil {
				return nil, err
			}
			fc.Logger().Info("transaction notarised",
				lflog.String(lflog.TxIDKey, n.TxID),
				lflog.String("root", resp.Signature.Root.String()))
			return fc.Complete(Result{TxID: n.TxID, Notary: n.Notary, Signature: resp.Signature})
		case StatusConflict:
			return nil, &lferrors.ConflictError{Winners: resp.Winners}
		default:
			return nil, &lferrors.LogicError{Code: resp.Code, Message: resp.Message}
		}
	}
}

func (n *Notarise) request() (Request, error) {
	if n.Notary == "" {
		return Request{}, &lferrors.ValidationError{Field: "notary", Message: "required"}
	}
	if n.TxID == "" || len(n.Inputs) == 0 {
		return Request{}, &lferrors.ValidationError{Field: "inputs", Message: "tx_id and at least one input are required"}
	}
	return Request{TxID: n.TxID, Inputs: n.Inputs, Window: n.Window}, nil
}

func (n *Notarise) verify(ctx context.Context, ts *batchsign.TransactionSignature) error {
	if ts == nil || ts.TxID != n.TxID {
		return &lferrors.LogicError{Code: "invalid_signature", Message: "notary signed a different transaction"}
	}
	if n.keys == nil {
		return errors.New("no notary key resolver configured")
	}
	pub, err := n.keys.NotaryKey(ctx, n.Notary)
	if err != nil {
		return lferrors.Transient("resolve notary key", err)
	}
	if err := ts.Verify(pub); err != nil {
		return &lferrors.LogicError{Code: "invalid_signature", Message: err.Error()}
	}
	return nil
}

// Responder serves Notarise on the notary node.
type Responder struct {
	Stage int `json:"stage"`
}

// Step implements flow.Logic.
func (r *Responder) Step(fc *flow.Context) (flow.Suspension, error) {
	sid := fc.InitiatingSession()
	switch r.Stage {
	case 0:
		r.Stage = 1
		return fc.Receive(sid), nil

	case 1:
		var req Request
		if err := fc.Message(&req); err != nil {
			return nil, err
		}
		r.Stage = 2
		return fc.Await(OpCommit, commitInput{Party: fc.Counterparty(sid), Request: req})

	default:
		var resp Response
		if err := fc.AsyncResult(&resp); err != nil {
			// undecided requests never reach here; the scheduler retries those
			resp = Response{Status: StatusRejected, Code: CodeInvalidRequest, Message: err.Error()}
		}
		if err := fc.Send(sid, resp); err != nil {
			return nil, err
		}
		return fc.Complete(resp.Status)
	}
}

// Register adds the notary flows to reg. keys resolves notary signing keys
// for clients verifying replies.
func Register(reg *flow.Registry, keys KeyResolver) error {
	if err := reg.Register(flow.Definition{
		Name:    FlowNotarise,
		Version: "1.0.0",
		New:     func() flow.Logic { return &Notarise{keys: keys} },
	}); err != nil {
		return fmt.Errorf("register %s: %w", FlowNotarise, err)
	}
	if err := reg.RegisterResponder(FlowNotarise, flow.Definition{
		Name:    FlowResponder,
		Version: "1.0.0",
		New:     func() flow.Logic { return &Responder{} },
	}); err != nil {
		return fmt.Errorf("register %s: %w", FlowResponder, err)
	}
	return nil
}
