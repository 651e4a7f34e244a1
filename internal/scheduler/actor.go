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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/ledgerflow/internal/checkpoint"
	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/session"
	"github.com/tombee/ledgerflow/internal/transport"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

type msgKind int

const (
	msgWake msgKind = iota
	msgEnvelope
	msgAsync
	msgAsyncExhausted
	msgRedeliver
	msgStartResponder
	msgDischarge
	msgRetry
	msgKill
)

type message struct {
	kind   msgKind
	env    session.Envelope
	handle string
	result []byte
	err    error
	reason string
	reply  chan error
}

// actor serializes everything that touches one flow. Fields below mu are
// shared with the scheduler; the rest belong to whichever worker holds the
// actor.
type actor struct {
	id   string
	done chan struct{}

	mu        sync.Mutex
	inbox     []message
	scheduled bool
	timer     *time.Timer
	snap      FlowInfo
	closeOnce sync.Once

	inst      *flow.Instance
	broken    *checkpoint.Checkpoint
	brokenErr error
	retries   int
	asyncOp   string
	started   time.Time
}

func newActor(id string) *actor {
	return &actor{id: id, done: make(chan struct{}), started: time.Now()}
}

func (a *actor) info() FlowInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// snapshot refreshes the view served to DumpCheckpoints. It reports whether
// the status changed.
func (a *actor) snapshot(retries int) bool {
	var info FlowInfo
	switch {
	case a.inst != nil:
		f := a.inst.Frame()
		info = FlowInfo{
			ID:         f.FlowID,
			Name:       f.FlowName,
			Version:    f.FlowVersion,
			Status:     f.Status,
			Awaiting:   f.Awaiting.String(),
			Steps:      f.Step,
			Retries:    retries,
			Admissions: f.Admissions,
			StartedAt:  f.StartedAt,
		}
		if f.Hospital != nil {
			info.Hospital = f.Hospital.Reason
		}
	case a.broken != nil:
		info = FlowInfo{
			ID:        a.broken.FlowID,
			Name:      a.broken.FlowName,
			Version:   a.broken.FlowVersion,
			Status:    flow.StatusHospitalized,
			Awaiting:  a.broken.Awaiting,
			StartedAt: a.broken.CreatedAt,
			Hospital:  a.brokenErr.Error(),
		}
	default:
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := a.snap.Status != info.Status || a.snap.Awaiting != info.Awaiting
	a.snap = info
	return changed
}

func (a *actor) setTimer(t *time.Timer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = t
}

func (a *actor) stopTimer() { a.setTimer(nil) }

func (a *actor) finish() {
	a.closeOnce.Do(func() { close(a.done) })
}

// post queues m and schedules the actor on a worker if it is idle.
func (s *Scheduler) post(a *actor, m message) {
	if s.draining.Load() {
		if m.reply != nil {
			m.reply <- lferrors.Transient("scheduler", errors.New("scheduler is stopping"))
		}
		return
	}
	a.mu.Lock()
	a.inbox = append(a.inbox, m)
	if a.scheduled {
		a.mu.Unlock()
		return
	}
	a.scheduled = true
	a.mu.Unlock()

	s.wg.Add(1)
	go s.run(a)
}

func (s *Scheduler) run(a *actor) {
	defer s.wg.Done()
	s.semaphore <- struct{}{}
	defer func() { <-s.semaphore }()

	for {
		a.mu.Lock()
		if len(a.inbox) == 0 || s.draining.Load() {
			a.inbox = nil
			a.scheduled = false
			a.mu.Unlock()
			return
		}
		msgs := a.inbox
		a.inbox = nil
		a.mu.Unlock()

		s.process(a, msgs)
	}
}

func (s *Scheduler) process(a *actor, msgs []message) {
	ctx := s.runCtx
	if a.inst == nil && a.broken == nil {
		// responder actor whose start has not been processed yet
		for i, m := range msgs {
			if m.kind == msgStartResponder {
				if !s.startResponder(ctx, a, m.env) {
					return
				}
				msgs = append(msgs[:i:i], msgs[i+1:]...)
				break
			}
		}
		if a.inst == nil {
			return
		}
	}

	redeliver := false
	for _, m := range msgs {
		switch m.kind {
		case msgEnvelope:
			if a.inst == nil || a.inst.Removed() {
				s.dispatch(ctx, m.env)
				continue
			}
			a.inst.Deliver(m.env)
		case msgAsync:
			if a.inst != nil && a.asyncOp == m.handle {
				a.asyncOp = ""
				a.inst.DeliverAsync(m.handle, m.result, m.err)
			}
		case msgAsyncExhausted:
			if a.inst != nil && a.asyncOp == m.handle {
				a.asyncOp = ""
				s.hospitalize(ctx, a, lferrors.ClassTransient, m.err)
			}
		case msgRedeliver:
			redeliver = true
		case msgDischarge:
			s.discharge(ctx, a, false)
		case msgRetry:
			m.reply <- s.discharge(ctx, a, true)
		case msgKill:
			m.reply <- s.kill(ctx, a, m.reason)
			if a.inst == nil || a.inst.Removed() {
				return
			}
		case msgStartResponder:
			// duplicate init for a responder that is already running
			if a.inst != nil {
				a.inst.Deliver(m.env)
			}
		}
	}
	if a.inst == nil {
		return
	}
	if redeliver && !a.inst.Removed() {
		s.send(ctx, a, a.inst.Unacked(), true)
	}
	s.advance(ctx, a)
}

// advance steps the flow as far as it can go and arms whatever it awaits.
func (s *Scheduler) advance(ctx context.Context, a *actor) {
	in := a.inst
	if in.Removed() {
		return
	}
	ctx, span := s.tracer.Start(ctx, "flow.advance", trace.WithAttributes(
		attribute.String("flow.id", in.ID()),
		attribute.String("flow.name", in.Name()),
	))
	defer span.End()

	start := time.Now()
	rep, err := in.Advance(ctx)
	s.registerSessions(a)
	if rep != nil && len(rep.Outbound) > 0 {
		s.send(ctx, a, rep.Outbound, false)
	}
	if rep != nil && rep.Steps > 0 && s.metrics != nil {
		s.metrics.RecordSteps(ctx, in.Name(), rep.Steps, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.stepFailed(ctx, a, err)
	} else {
		a.retries = 0
	}

	if a.snapshot(a.retries) {
		s.publish(a.info())
	}
	if in.Status().Terminal() {
		s.finished(ctx, a)
	}
	if in.Removed() {
		s.remove(a)
		return
	}
	if err == nil {
		s.arm(a)
	}
}

func (s *Scheduler) stepFailed(ctx context.Context, a *actor, err error) {
	logger := lflog.WithFlowContext(s.logger, a.id, a.inst.Name())
	class := lferrors.Classify(err)
	if class == lferrors.ClassCorruption {
		s.hospitalize(ctx, a, class, err)
		return
	}
	a.retries++
	if a.retries > s.cfg.MaxRetries {
		s.hospitalize(ctx, a, class, err)
		return
	}
	delay := s.cfg.Backoff.Delay(a.id, a.retries)
	logger.Warn("flow step failed, retrying",
		lflog.Error(err),
		slog.Int("attempt", a.retries),
		slog.Duration("delay", delay))
	a.setTimer(time.AfterFunc(delay, func() { s.post(a, message{kind: msgWake}) }))
}

// arm schedules the wake-up for what the flow awaits.
func (s *Scheduler) arm(a *actor) {
	in := a.inst
	if in.Status().Terminal() {
		return
	}
	if in.Ready() {
		s.post(a, message{kind: msgWake})
		return
	}
	aw := in.Awaiting()
	switch aw.Kind {
	case flow.AwaitingTimer:
		if in.Status() == flow.StatusHospitalized {
			return
		}
		delay := aw.Deadline.Sub(s.cfg.Clock())
		a.setTimer(time.AfterFunc(delay, func() { s.post(a, message{kind: msgWake}) }))
	case flow.AwaitingAsync:
		if in.Status() != flow.StatusHospitalized && a.asyncOp != aw.Handle {
			a.asyncOp = aw.Handle
			s.launch(a, aw)
		}
	}
}

// launch runs an async operation on its own goroutine and posts the
// outcome back to the actor.
func (s *Scheduler) launch(a *actor, aw flow.Awaiting) {
	op, ok := s.operation(aw.Operation)
	if !ok {
		s.post(a, message{kind: msgAsync, handle: aw.Handle,
			err: &flow.AsyncError{Operation: aw.Operation, Message: "no such operation on this node"}})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; ; attempt++ {
			out, err := op(s.runCtx, aw.Input)
			if err == nil || !lferrors.IsRetryable(err) {
				s.post(a, message{kind: msgAsync, handle: aw.Handle, result: out, err: err})
				return
			}
			if attempt > s.cfg.MaxRetries {
				s.post(a, message{kind: msgAsyncExhausted, handle: aw.Handle,
					err: fmt.Errorf("%s: %w", aw.Operation, err)})
				return
			}
			s.logger.Warn("async operation failed, retrying",
				lflog.String(lflog.FlowIDKey, a.id),
				slog.String("operation", aw.Operation),
				lflog.Error(err))
			select {
			case <-time.After(s.cfg.Backoff.Delay(aw.Handle, attempt)):
			case <-s.stopCh:
				return
			}
		}
	}()
}

// send hands envelopes to the transport. Sessions whose counterparty is
// unknown are failed locally so the flow sees a typed error.
func (s *Scheduler) send(ctx context.Context, a *actor, envs []session.Envelope, redelivery bool) {
	unreachable := make(map[string]string)
	for _, env := range envs {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.cfg.Transport.Send(sctx, env)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrUnknownParty) {
			unreachable[env.SessionID] = env.To
			continue
		}
		s.logger.Debug("send failed, will redeliver",
			lflog.String(lflog.SessionIDKey, env.SessionID),
			lflog.String(lflog.PartyKey, env.To),
			lflog.Error(err))
	}
	if redelivery && len(envs) > 0 && s.metrics != nil {
		s.metrics.RecordRedelivery(ctx, len(envs))
	}
	if len(unreachable) == 0 || a.inst.Removed() {
		return
	}
	for sid, party := range unreachable {
		a.inst.FailSession(sid, &session.Error{Code: session.CodeUnreachable, Message: fmt.Sprintf("party %s is not on the network", party)})
	}
	if !redelivery {
		// picked up by the caller's advance otherwise
		s.post(a, message{kind: msgWake})
	}
}

func (s *Scheduler) finished(ctx context.Context, a *actor) {
	select {
	case <-a.done:
		return
	default:
	}
	result, err := a.inst.Outcome()
	s.mu.Lock()
	s.results[a.id] = outcome{result: result, err: err, expires: s.cfg.Clock().Add(s.cfg.RetainFinished)}
	s.mu.Unlock()
	a.stopTimer()
	a.finish()

	status := string(a.inst.Status())
	lflog.WithFlowContext(s.logger, a.id, a.inst.Name()).Info("flow finished", slog.String("status", status))
	if s.metrics != nil {
		s.metrics.RecordFlowFinish(ctx, a.inst.Name(), status, time.Since(a.started))
	}
}

func (s *Scheduler) registerSessions(a *actor) {
	ids := a.inst.SessionIDs()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sid := range ids {
		s.sessions[sid] = a.id
	}
}

// remove forgets an actor whose checkpoint is gone, leaving tombstones for
// its sessions.
func (s *Scheduler) remove(a *actor) {
	a.stopTimer()
	frame := a.inst.Frame()
	expires := s.cfg.Clock().Add(s.cfg.RetainFinished)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actors, a.id)
	for sid, st := range frame.Sessions {
		delete(s.sessions, sid)
		s.tombstones[sid] = tombstone{party: st.Counterparty, recvSeq: st.RecvSeq, expires: expires}
	}
}
