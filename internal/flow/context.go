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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ledgerflow/internal/session"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// ErrNoMessage is returned by Context.Message when the current step was not
// resumed by a message.
var ErrNoMessage = errors.New("step was not resumed by a message")

// AsyncError is an asynchronous operation's terminal failure as seen by the
// awaiting flow.
type AsyncError struct {
	Operation string
	Message   string
}

func (e *AsyncError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// Context is handed to Logic.Step. It is only valid for the duration of
// that call.
type Context struct {
	ctx    context.Context
	inst   *Instance
	frame  *Frame
	event  Event
	effect int
	opened int
}

// Context returns the step's context.Context.
func (fc *Context) Context() context.Context { return fc.ctx }

// FlowID returns the flow instance id.
func (fc *Context) FlowID() string { return fc.frame.FlowID }

// Party returns the local party name.
func (fc *Context) Party() string { return fc.inst.env.Party }

// Logger returns a logger carrying the flow's identity.
func (fc *Context) Logger() *slog.Logger { return fc.inst.logger }

// Event returns the event that resumed this step.
func (fc *Context) Event() Event { return fc.event }

// StepNumber returns the number of steps completed before this one.
func (fc *Context) StepNumber() int64 { return fc.frame.Step }

// Now returns the current time. The value is journaled, so a replayed step
// sees the same time as the original run.
func (fc *Context) Now() (time.Time, error) {
	return SideEffect(fc, func() (time.Time, error) {
		return fc.inst.env.Clock().UTC(), nil
	})
}

// Decode decodes data with the flow's codec.
func (fc *Context) Decode(data []byte, v any) error {
	return fc.inst.env.Codec.Unmarshal(data, v)
}

// Encode encodes v with the flow's codec.
func (fc *Context) Encode(v any) ([]byte, error) {
	return fc.inst.env.Codec.Marshal(v)
}

// InitiateSession opens a new session with party and returns its id. The
// id is derived from the flow id and the step, so a replayed step opens
// the same session.
func (fc *Context) InitiateSession(party string) (string, error) {
	if party == "" {
		return "", &lferrors.ValidationError{Field: "party", Message: "counterparty is required"}
	}
	if party == fc.inst.env.Party {
		return "", &lferrors.ValidationError{Field: "party", Message: "cannot open a session with the local party"}
	}
	fc.opened++
	ns, err := uuid.Parse(fc.frame.FlowID)
	if err != nil {
		ns = uuid.NameSpaceOID
	}
	id := uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s/session/%d/%d", fc.frame.FlowID, fc.frame.Step, fc.opened))).String()

	if fc.frame.Sessions == nil {
		fc.frame.Sessions = make(map[string]*session.State)
	}
	fc.frame.Sessions[id] = session.NewInitiator(id, party, fc.frame.FlowName)
	return id, nil
}

// InitiatingSession returns the session that started a responder flow, or
// "" for flows started locally.
func (fc *Context) InitiatingSession() string {
	return fc.frame.InitSession
}

// Counterparty returns the party at the other end of a session.
func (fc *Context) Counterparty(sessionID string) string {
	if s, ok := fc.frame.Sessions[sessionID]; ok {
		return s.Counterparty
	}
	return ""
}

func (fc *Context) session(sessionID string) (*session.State, error) {
	s, ok := fc.frame.Sessions[sessionID]
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "session", ID: sessionID}
	}
	return s, nil
}

// Send encodes v and queues it on the session. Messages leave the node
// only after the step's checkpoint is saved.
func (fc *Context) Send(sessionID string, v any) error {
	s, err := fc.session(sessionID)
	if err != nil {
		return err
	}
	payload, err := fc.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	_, err = s.Outbound(session.KindData, payload, nil)
	return err
}

// Receive suspends the flow until the next message on the session.
func (fc *Context) Receive(sessionID string) Suspension {
	return AwaitMessage{SessionID: sessionID}
}

// SendAndReceive sends v and suspends for the reply.
func (fc *Context) SendAndReceive(sessionID string, v any) (Suspension, error) {
	if err := fc.Send(sessionID, v); err != nil {
		return nil, err
	}
	return fc.Receive(sessionID), nil
}

// Message decodes the message that resumed this step into v. It returns
// the session's typed error, session.ErrClosed, or ErrNoMessage instead
// when there is no payload.
func (fc *Context) Message(v any) error {
	if fc.event.Kind != EventMessage {
		return ErrNoMessage
	}
	if fc.event.Err != nil {
		return fc.event.Err
	}
	return fc.Decode(fc.event.Payload, v)
}

// CloseSession ends the session normally.
func (fc *Context) CloseSession(sessionID string) error {
	s, err := fc.session(sessionID)
	if err != nil {
		return err
	}
	if s.LocalClosed {
		return nil
	}
	_, err = s.Outbound(session.KindEnd, nil, nil)
	return err
}

// Sleep suspends the flow for d.
func (fc *Context) Sleep(d time.Duration) (Suspension, error) {
	now, err := fc.Now()
	if err != nil {
		return nil, err
	}
	return AwaitTimer{Deadline: now.Add(d)}, nil
}

// Await suspends the flow on the asynchronous operation op with input.
func (fc *Context) Await(op string, input any) (Suspension, error) {
	data, err := fc.Encode(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s input: %w", op, err)
	}
	handle := fmt.Sprintf("%s/%d/%s", fc.frame.FlowID, fc.frame.Step, op)
	return AwaitAsync{Handle: handle, Operation: op, Input: data}, nil
}

// AsyncResult decodes the result of the operation that resumed this step.
func (fc *Context) AsyncResult(v any) error {
	if fc.event.Kind != EventAsync {
		return fmt.Errorf("step was not resumed by an async result")
	}
	if fc.event.Err != nil {
		return fc.event.Err
	}
	return fc.Decode(fc.event.Payload, v)
}

// Complete finishes the flow with result v.
func (fc *Context) Complete(v any) (Suspension, error) {
	data, err := fc.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return Complete{Result: data}, nil
}

// SideEffect runs fn at most once per step position. Its result is
// journaled and checkpointed before SideEffect returns; a replay of the
// same step returns the journaled value without calling fn. Errors are not
// journaled.
func SideEffect[T any](fc *Context, fn func() (T, error)) (T, error) {
	var out T
	fc.effect++
	key := fmt.Sprintf("%d/%d", fc.frame.Step, fc.effect)

	if data, ok := fc.inst.base.Journal[key]; ok {
		if err := fc.Decode(data, &out); err != nil {
			return out, &lferrors.CorruptionError{FlowID: fc.frame.FlowID, Cause: fmt.Errorf("journal entry %s: %w", key, err)}
		}
		return out, nil
	}

	out, err := fn()
	if err != nil {
		return out, err
	}
	data, err := fc.Encode(out)
	if err != nil {
		return out, fmt.Errorf("failed to encode side effect result: %w", err)
	}
	if err := fc.inst.journal(fc.ctx, key, data); err != nil {
		return out, err
	}
	return out, nil
}
