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

	"github.com/tombee/ledgerflow/internal/checkpoint"
	"github.com/tombee/ledgerflow/internal/codec"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/session"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Env is what an Instance needs from its host.
type Env struct {
	// Party is the local party name, stamped on outbound envelopes.
	Party string

	Codec  codec.Codec
	Store  checkpoint.Store
	Logger *slog.Logger
	Clock  func() time.Time
}

func (e *Env) defaults() {
	if e.Codec == nil {
		e.Codec = codec.Default
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Clock == nil {
		e.Clock = time.Now
	}
}

// Report summarizes one call to Advance.
type Report struct {
	// Steps is the number of steps that ran.
	Steps int

	// Outbound holds envelopes that are now durable and must be handed to
	// the transport, followed by acks for what the flow received.
	Outbound []session.Envelope

	Status   Status
	Awaiting Awaiting

	// Removed is set once the checkpoint has been deleted; the instance
	// can be dropped.
	Removed bool
}

type asyncOutcome struct {
	result []byte
	err    error
}

// Instance is one live flow. It is not safe for concurrent use; the
// scheduler drives each instance from a single goroutine at a time.
type Instance struct {
	env      Env
	def      *Definition
	base     *Frame
	revision int64
	dirty    bool
	removed  bool
	async    map[string]asyncOutcome
	failure  error
	logger   *slog.Logger
}

func newInstance(env Env, def *Definition, frame *Frame) *Instance {
	env.defaults()
	return &Instance{
		env:    env,
		def:    def,
		base:   frame,
		async:  make(map[string]asyncOutcome),
		logger: lflog.WithFlowContext(env.Logger, frame.FlowID, frame.FlowName),
	}
}

// Start creates a flow from def with args decoded into a fresh logic
// value, and checkpoints it before returning.
func Start(ctx context.Context, env Env, def *Definition, flowID string, args []byte) (*Instance, error) {
	env.defaults()
	logic := def.New()
	if len(args) > 0 {
		if err := env.Codec.Unmarshal(args, logic); err != nil {
			return nil, &lferrors.ValidationError{Field: "args", Message: fmt.Sprintf("cannot decode arguments for %s: %v", def.Name, err)}
		}
	}
	state, err := env.Codec.Marshal(logic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode initial state: %w", err)
	}

	in := newInstance(env, def, &Frame{
		FlowID:      flowID,
		FlowName:    def.Name,
		FlowVersion: def.Version,
		Status:      StatusRunning,
		State:       state,
		Awaiting:    Awaiting{Kind: AwaitingStart},
		StartedAt:   env.Clock().UTC(),
	})
	in.dirty = true
	if err := in.persist(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// StartResponder creates a flow answering the session opened by init.
func StartResponder(ctx context.Context, env Env, def *Definition, flowID string, init session.Envelope) (*Instance, error) {
	env.defaults()
	state, err := env.Codec.Marshal(def.New())
	if err != nil {
		return nil, fmt.Errorf("failed to encode initial state: %w", err)
	}

	s := session.NewResponder(init)
	s.Accept(init)
	in := newInstance(env, def, &Frame{
		FlowID:      flowID,
		FlowName:    def.Name,
		FlowVersion: def.Version,
		Status:      StatusRunning,
		State:       state,
		Awaiting:    Awaiting{Kind: AwaitingStart},
		Sessions:    map[string]*session.State{s.ID: s},
		InitSession: s.ID,
		StartedAt:   env.Clock().UTC(),
	})
	in.dirty = true
	if err := in.persist(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// Restore rebuilds an instance from its checkpoint. Checkpoints that cannot
// be decoded or resumed yield a CorruptionError.
func Restore(env Env, reg *Registry, cp *checkpoint.Checkpoint) (*Instance, error) {
	env.defaults()
	corrupt := func(err error) error {
		return &lferrors.CorruptionError{FlowID: cp.FlowID, Cause: err}
	}

	def, err := reg.Lookup(cp.FlowName)
	if err != nil {
		return nil, corrupt(err)
	}
	if err := def.CanResume(cp.FlowVersion); err != nil {
		return nil, corrupt(err)
	}
	c, err := codec.ByName(cp.Codec)
	if err != nil {
		return nil, corrupt(err)
	}
	env.Codec = c

	var frame Frame
	if err := c.Unmarshal(cp.Frame, &frame); err != nil {
		return nil, corrupt(fmt.Errorf("frame: %w", err))
	}
	if err := c.Unmarshal(frame.State, def.New()); err != nil {
		return nil, corrupt(fmt.Errorf("logic state: %w", err))
	}

	in := newInstance(env, def, &frame)
	in.revision = cp.Revision
	return in, nil
}

// ID returns the flow id.
func (in *Instance) ID() string { return in.base.FlowID }

// Name returns the definition name.
func (in *Instance) Name() string { return in.base.FlowName }

// Version returns the definition version recorded in the frame.
func (in *Instance) Version() string { return in.base.FlowVersion }

// Status returns the current status.
func (in *Instance) Status() Status { return in.base.Status }

// Awaiting returns what the flow waits for.
func (in *Instance) Awaiting() Awaiting { return in.base.Awaiting }

// Frame returns a copy of the persisted frame.
func (in *Instance) Frame() *Frame { return in.base.Clone() }

// Removed reports whether the checkpoint has been deleted.
func (in *Instance) Removed() bool { return in.removed }

// SessionIDs returns the ids of every session the flow owns.
func (in *Instance) SessionIDs() []string { return in.base.SessionIDs() }

// Outcome returns the result of a terminal flow. err is the flow's failure,
// verbatim when it happened in this process.
func (in *Instance) Outcome() (result []byte, err error) {
	switch in.base.Status {
	case StatusCompleted:
		return in.base.Result, nil
	case StatusFailed:
		if in.failure != nil {
			return nil, in.failure
		}
		f := in.base.Failure
		if f == nil {
			return nil, &lferrors.LogicError{Message: "flow failed"}
		}
		return nil, &lferrors.LogicError{Code: f.Code, Message: f.Message}
	default:
		return nil, nil
	}
}

// Deliver applies an inbound envelope to the owning session.
func (in *Instance) Deliver(env session.Envelope) session.Accepted {
	s, ok := in.base.Sessions[env.SessionID]
	if !ok {
		return session.Duplicate
	}
	res := s.Accept(env)
	if res == session.Delivered || res == session.Buffered {
		in.dirty = true
	}
	lflog.Trace(in.logger, "envelope accepted",
		lflog.String(lflog.SessionIDKey, env.SessionID),
		lflog.String("kind", string(env.Kind)),
		lflog.Int("seq", int(env.Seq)),
		lflog.Int("result", int(res)))
	return res
}

// FailSession injects a local error into a session, for example when the
// counterparty is unknown or unreachable.
func (in *Instance) FailSession(sessionID string, serr *session.Error) {
	if s, ok := in.base.Sessions[sessionID]; ok {
		s.Fail(serr)
		in.dirty = true
	}
}

// DeliverAsync records the outcome of an awaited operation.
func (in *Instance) DeliverAsync(handle string, result []byte, err error) {
	if in.base.Awaiting.Kind != AwaitingAsync || in.base.Awaiting.Handle != handle {
		return
	}
	in.async[handle] = asyncOutcome{result: result, err: err}
}

// Ready reports whether the awaited event is available.
func (in *Instance) Ready() bool {
	_, ok := in.nextEvent()
	return ok
}

func (in *Instance) nextEvent() (Event, bool) {
	if in.base.Status.Terminal() || in.base.Status == StatusHospitalized {
		return Event{}, false
	}
	aw := in.base.Awaiting
	switch aw.Kind {
	case AwaitingStart:
		return Event{Kind: EventStart, SessionID: in.base.InitSession}, true
	case AwaitingMessage:
		s, ok := in.base.Sessions[aw.SessionID]
		if !ok {
			return Event{Kind: EventMessage, SessionID: aw.SessionID,
				Err: &lferrors.NotFoundError{Resource: "session", ID: aw.SessionID}}, true
		}
		return Event{Kind: EventMessage, SessionID: aw.SessionID}, s.CanReceive()
	case AwaitingTimer:
		return Event{Kind: EventTimer}, !in.env.Clock().Before(aw.Deadline)
	case AwaitingAsync:
		out, ok := in.async[aw.Handle]
		return Event{Kind: EventAsync, Handle: aw.Handle, Payload: out.result, Err: out.err}, ok
	default:
		return Event{}, false
	}
}

// Advance runs steps while the awaited event is available, checkpointing
// after each one. Transient and corruption errors are returned with the
// flow rolled back to its last checkpoint; logic errors fail the flow and
// are not returned.
func (in *Instance) Advance(ctx context.Context) (*Report, error) {
	rep := &Report{}
	for {
		ev, ok := in.nextEvent()
		if !ok {
			break
		}
		out, err := in.step(ctx, ev)
		if err != nil {
			rep.Status, rep.Awaiting = in.base.Status, in.base.Awaiting
			return rep, err
		}
		rep.Steps++
		rep.Outbound = append(rep.Outbound, out...)
	}

	if in.dirty {
		if err := in.persist(ctx); err != nil {
			rep.Status, rep.Awaiting = in.base.Status, in.base.Awaiting
			return rep, err
		}
	}
	if !in.removed && in.base.Status.Terminal() && !in.base.unacked() {
		if err := in.persist(ctx); err != nil {
			return rep, err
		}
	}

	for _, id := range in.base.SessionIDs() {
		if s := in.base.Sessions[id]; s.NeedsAck() {
			rep.Outbound = append(rep.Outbound, in.stamp(s.Ack()))
		}
	}
	rep.Status, rep.Awaiting, rep.Removed = in.base.Status, in.base.Awaiting, in.removed
	return rep, nil
}

func (in *Instance) step(ctx context.Context, ev Event) (out []session.Envelope, err error) {
	start := time.Now()
	work := in.base.Clone()
	work.Journal = nil

	if ev.Kind == EventMessage && ev.Err == nil {
		payload, _, rerr := work.Sessions[ev.SessionID].Receive()
		ev.Payload, ev.Err = payload, rerr
	}

	logic := in.def.New()
	if err := in.env.Codec.Unmarshal(work.State, logic); err != nil {
		return nil, &lferrors.CorruptionError{FlowID: work.FlowID, Cause: err}
	}

	fc := &Context{ctx: ctx, inst: in, frame: work, event: ev}
	susp, err := runStep(logic, fc)
	if err == nil && susp == nil {
		err = &lferrors.LogicError{Code: "no_suspension", Message: "step returned neither a suspension nor an error"}
	}
	if err == nil {
		work.State, err = in.env.Codec.Marshal(logic)
	}
	if err == nil {
		if aw, ok := susp.(AwaitMessage); ok {
			if _, exists := work.Sessions[aw.SessionID]; !exists {
				err = &lferrors.NotFoundError{Resource: "session", ID: aw.SessionID}
			}
		}
	}
	if err != nil {
		switch lferrors.Classify(err) {
		case lferrors.ClassTransient, lferrors.ClassCorruption:
			in.logger.Warn("step failed", lflog.Int(lflog.StepKey, int(work.Step)), lflog.Error(err))
			return nil, err
		default:
			return in.fail(ctx, err)
		}
	}

	work.Step++
	work.Awaiting = susp.awaiting()
	work.record(in.env.Clock().UTC())
	switch s := susp.(type) {
	case Complete:
		work.Status = StatusCompleted
		work.Result = s.Result
		for _, id := range work.SessionIDs() {
			closeSession(work.Sessions[id], session.KindEnd, nil)
		}
	case AwaitMessage:
		work.Status = StatusSuspended
		work.Sessions[s.SessionID].Open()
	default:
		work.Status = StatusSuspended
	}

	out, err = in.commit(ctx, work)
	if err != nil {
		return nil, err
	}
	if ev.Kind == EventAsync {
		delete(in.async, ev.Handle)
	}

	in.logger.Debug("flow step",
		lflog.Int(lflog.StepKey, int(work.Step)),
		lflog.String("awaiting", work.Awaiting.String()),
		lflog.String("status", string(work.Status)),
		slog.Int64(lflog.DurationKey, time.Since(start).Milliseconds()))
	return out, nil
}

func runStep(logic Logic, fc *Context) (susp Suspension, err error) {
	defer func() {
		if r := recover(); r != nil {
			susp, err = nil, &lferrors.LogicError{Code: "panic", Message: fmt.Sprint(r)}
		}
	}()
	return logic.Step(fc)
}

func closeSession(s *session.State, kind session.Kind, serr *session.Error) {
	if s.LocalClosed {
		return
	}
	if !s.Opened() || s.Drained {
		// nobody is listening at the other end
		s.LocalClosed = true
		s.Unacked = nil
		return
	}
	_, _ = s.Outbound(kind, nil, serr)
}

// fail moves the flow to FAILED from its last checkpoint, erroring every
// open session so counterparties see a typed error.
func (in *Instance) fail(ctx context.Context, cause error) ([]session.Envelope, error) {
	in.logger.Info("flow failed", lflog.Error(cause))

	work := in.base.Clone()
	work.Journal = nil
	serr := &session.Error{Code: session.CodeCounterpartyFailed, Message: cause.Error()}
	for _, id := range work.SessionIDs() {
		closeSession(work.Sessions[id], session.KindError, serr)
	}
	work.Status = StatusFailed
	work.Failure = failureOf(cause)
	work.Hospital = nil

	out, err := in.commit(ctx, work)
	if err != nil {
		return nil, err
	}
	in.failure = cause
	return out, nil
}

func failureOf(err error) *Failure {
	f := &Failure{Type: "logic", Message: err.Error()}
	var classifier lferrors.ErrorClassifier
	if errors.As(err, &classifier) {
		f.Type = classifier.ErrorType()
	}
	var logic *lferrors.LogicError
	if errors.As(err, &logic) {
		f.Code = logic.Code
		f.Message = logic.Message
	}
	return f
}

// commit makes work the current frame and checkpoints it, returning the
// envelopes it added. On failure the previous frame is kept.
func (in *Instance) commit(ctx context.Context, work *Frame) ([]session.Envelope, error) {
	prev := in.base
	in.base = work
	in.dirty = true
	if err := in.persist(ctx); err != nil {
		in.base = prev
		return nil, err
	}
	return in.newEnvelopes(prev, work), nil
}

func (in *Instance) newEnvelopes(prev, work *Frame) []session.Envelope {
	var out []session.Envelope
	for _, id := range work.SessionIDs() {
		var sent uint64
		if p, ok := prev.Sessions[id]; ok {
			sent = p.SendSeq
		}
		for _, env := range work.Sessions[id].Unacked {
			if env.Seq > sent {
				out = append(out, in.stamp(env))
			}
		}
	}
	return out
}

func (in *Instance) stamp(env session.Envelope) session.Envelope {
	env.From = in.env.Party
	return env
}

// journal records a side-effect result and checkpoints it.
func (in *Instance) journal(ctx context.Context, key string, data []byte) error {
	if in.base.Journal == nil {
		in.base.Journal = make(map[string][]byte)
	}
	in.base.Journal[key] = data
	in.dirty = true
	return in.persist(ctx)
}

func (in *Instance) persist(ctx context.Context) error {
	if in.removed {
		return nil
	}
	if in.base.Status.Terminal() && !in.base.unacked() {
		if err := in.env.Store.Delete(ctx, in.base.FlowID); err != nil {
			return lferrors.Transient("checkpoint delete", err)
		}
		in.removed = true
		in.dirty = false
		return nil
	}

	data, err := in.env.Codec.Marshal(in.base)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	cp := &checkpoint.Checkpoint{
		FlowID:      in.base.FlowID,
		FlowName:    in.base.FlowName,
		FlowVersion: in.base.FlowVersion,
		Status:      checkpoint.Status(in.base.Status),
		Awaiting:    in.base.Awaiting.String(),
		Codec:       in.env.Codec.Name(),
		Frame:       data,
		Revision:    in.revision + 1,
		CreatedAt:   in.base.StartedAt,
	}
	if err := in.env.Store.Save(ctx, cp); err != nil {
		return lferrors.Transient("checkpoint save", err)
	}
	in.revision++
	in.dirty = false
	return nil
}

// Hospitalize parks the flow until Discharge.
func (in *Instance) Hospitalize(ctx context.Context, class lferrors.Class, reason string) error {
	in.base.Status = StatusHospitalized
	in.base.Hospital = &HospitalRecord{Reason: reason, Class: class.String(), Since: in.env.Clock().UTC()}
	in.base.Admissions++
	in.dirty = true
	return in.persist(ctx)
}

// Discharge makes a hospitalized flow eligible to run again.
func (in *Instance) Discharge() {
	if in.base.Status != StatusHospitalized {
		return
	}
	in.base.Hospital = nil
	in.base.Status = StatusSuspended
	if in.base.Awaiting.Kind == AwaitingStart {
		in.base.Status = StatusRunning
	}
	in.dirty = true
}

// Admissions returns how often the flow has been hospitalized.
func (in *Instance) Admissions() int { return in.base.Admissions }

// Kill fails the flow immediately and errors its sessions. The killed
// frame stays checkpointed until every counterparty has acknowledged the
// returned envelopes.
func (in *Instance) Kill(ctx context.Context, reason string) ([]session.Envelope, error) {
	work := in.base.Clone()
	work.Journal = nil
	serr := &session.Error{Code: session.CodeKilled, Message: reason}
	for _, id := range work.SessionIDs() {
		closeSession(work.Sessions[id], session.KindError, serr)
	}
	work.Status = StatusFailed
	work.Failure = &Failure{Type: "killed", Code: session.CodeKilled, Message: reason}
	work.Hospital = nil

	out, err := in.commit(ctx, work)
	if err != nil {
		return nil, err
	}
	in.failure = &lferrors.LogicError{Code: session.CodeKilled, Message: reason}
	return out, nil
}

// Unacked returns every outbound envelope not yet acknowledged, for
// redelivery.
func (in *Instance) Unacked() []session.Envelope {
	var out []session.Envelope
	for _, id := range in.base.SessionIDs() {
		for _, env := range in.base.Sessions[id].Unacked {
			out = append(out, in.stamp(env))
		}
	}
	return out
}
