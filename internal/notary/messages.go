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

// Package notary runs the notary service and the flows that talk to it.
//
// A client runs the Notarise flow, which opens a session to the notary
// party and sends a Request. On the notary node the Responder flow receives
// it and awaits the "notary.commit" operation. That operation hands the
// request to the Service, which gathers requests arriving within one batch
// window, commits each through the uniqueness provider as its own
// all-or-nothing batch and signs every accepted transaction of the window
// with a single batch signature.
package notary

import (
	"github.com/tombee/ledgerflow/internal/notary/batchsign"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
)

// OpCommit is the async operation the responder awaits.
const OpCommit = "notary.commit"

// Flow names.
const (
	FlowNotarise  = "notary.notarise"
	FlowResponder = "notary.responder"
)

// Status is the notary's verdict on a request.
type Status string

const (
	StatusSigned   Status = "signed"
	StatusConflict Status = "conflict"
	StatusRejected Status = "rejected"
)

// Rejection codes.
const (
	CodeAdmissionDenied   = "admission_denied"
	CodeTimeWindowInvalid = "time_window_invalid"
	CodeInvalidRequest    = "invalid_request"
)

// Request asks the notary to record that a transaction consumes inputs.
type Request struct {
	TxID   string                `json:"tx_id"`
	Inputs []string              `json:"inputs"`
	Window uniqueness.TimeWindow `json:"window,omitempty"`
}

func (r Request) spends(party string) []uniqueness.SpendRequest {
	out := make([]uniqueness.SpendRequest, len(r.Inputs))
	for i, ref := range r.Inputs {
		out[i] = uniqueness.SpendRequest{ResourceRef: ref, Party: party, TxID: r.TxID, Window: r.Window}
	}
	return out
}

// Response is the notary's reply.
type Response struct {
	Status    Status                          `json:"status"`
	Signature *batchsign.TransactionSignature `json:"signature,omitempty"`
	Winners   map[string]string               `json:"winners,omitempty"`
	Code      string                          `json:"code,omitempty"`
	Message   string                          `json:"message,omitempty"`
}

// commitInput is what the responder passes to OpCommit.
type commitInput struct {
	Party   string  `json:"party"`
	Request Request `json:"request"`
}
