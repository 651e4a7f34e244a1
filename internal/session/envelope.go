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

// Package session implements ordered, deduplicated conversations between
// two parties on top of an at-least-once transport.
package session

import (
	"errors"
	"fmt"
)

// Kind is the type of a session envelope.
type Kind string

const (
	// KindInit opens a session on the receiving party and names the flow
	// that initiated it. It may carry the first payload.
	KindInit Kind = "init"
	// KindData carries one application payload.
	KindData Kind = "data"
	// KindEnd closes the session normally.
	KindEnd Kind = "end"
	// KindError closes the session with a typed error.
	KindError Kind = "error"
	// KindAck acknowledges durable receipt of every message up to AckSeq.
	KindAck Kind = "ack"
)

// Envelope is the unit exchanged by the transport.
type Envelope struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Kind      Kind   `json:"kind"`

	// Seq orders envelopes per session and direction, starting at 1.
	// Acks carry no sequence number.
	Seq uint64 `json:"seq,omitempty"`

	// AckSeq cumulatively acknowledges the peer's envelopes. Every
	// envelope piggybacks it; KindAck carries nothing else.
	AckSeq uint64 `json:"ack_seq,omitempty"`

	// FlowName is set on KindInit.
	FlowName string `json:"flow_name,omitempty"`

	Payload []byte `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// String renders the envelope header for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s %s->%s %s#%d", e.SessionID, e.From, e.To, e.Kind, e.Seq)
}

// Error codes carried by session errors.
const (
	CodeCounterpartyFailed = "counterparty_failed"
	CodeUnreachable        = "unreachable"
	CodeKilled             = "killed"
	CodeUnknownFlow        = "unknown_flow"
	CodeRejected           = "rejected"
)

// Error is a typed failure delivered across a session boundary.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("session error %s: %s", e.Code, e.Message)
}

// ErrClosed is returned by receives on a session that has ended or whose
// terminal error has already been delivered.
var ErrClosed = errors.New("session closed")
