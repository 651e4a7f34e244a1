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

package flow

import (
	"fmt"
	"time"
)

// Suspension is what a step returns: the event the flow waits for next,
// or completion.
type Suspension interface {
	awaiting() Awaiting
}

// AwaitMessage waits for the next message on a session.
type AwaitMessage struct {
	SessionID string
}

// AwaitTimer waits until Deadline.
type AwaitTimer struct {
	Deadline time.Time
}

// AwaitAsync waits for the result of a registered asynchronous operation.
// Operations may be re-invoked with the same Handle after a restart and
// must be idempotent per handle.
type AwaitAsync struct {
	Handle    string
	Operation string
	Input     []byte
}

// Complete ends the flow with an encoded result.
type Complete struct {
	Result []byte
}

func (s AwaitMessage) awaiting() Awaiting {
	return Awaiting{Kind: AwaitingMessage, SessionID: s.SessionID}
}

func (s AwaitTimer) awaiting() Awaiting {
	return Awaiting{Kind: AwaitingTimer, Deadline: s.Deadline}
}

func (s AwaitAsync) awaiting() Awaiting {
	return Awaiting{Kind: AwaitingAsync, Handle: s.Handle, Operation: s.Operation, Input: s.Input}
}

func (s Complete) awaiting() Awaiting {
	return Awaiting{Kind: AwaitingNothing}
}

// AwaitingKind tags the Awaiting union.
type AwaitingKind string

const (
	AwaitingStart   AwaitingKind = "start"
	AwaitingMessage AwaitingKind = "message"
	AwaitingTimer   AwaitingKind = "timer"
	AwaitingAsync   AwaitingKind = "async"
	AwaitingNothing AwaitingKind = "none"
)

// Awaiting is the persisted form of a suspension: the descriptor the resume
// dispatcher matches incoming events against.
type Awaiting struct {
	Kind      AwaitingKind `json:"kind"`
	SessionID string       `json:"session_id,omitempty"`
	Deadline  time.Time    `json:"deadline,omitempty"`
	Handle    string       `json:"handle,omitempty"`
	Operation string       `json:"operation,omitempty"`
	Input     []byte       `json:"input,omitempty"`
}

// String describes the awaited event for operators.
func (a Awaiting) String() string {
	switch a.Kind {
	case AwaitingMessage:
		return "message on " + a.SessionID
	case AwaitingTimer:
		return "timer at " + a.Deadline.UTC().Format(time.RFC3339)
	case AwaitingAsync:
		return fmt.Sprintf("%s (%s)", a.Operation, a.Handle)
	default:
		return string(a.Kind)
	}
}

// EventKind identifies what resumed a step.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventMessage EventKind = "message"
	EventTimer   EventKind = "timer"
	EventAsync   EventKind = "async"
)

// Event is the input to one step.
type Event struct {
	Kind      EventKind
	SessionID string
	Handle    string
	Payload   []byte

	// Err is a session error, session.ErrClosed, or an async failure.
	Err error
}
