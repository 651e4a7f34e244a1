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
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/session"
)

// dispatch routes an inbound envelope to the flow owning its session,
// starting a responder flow for an unseen init.
func (s *Scheduler) dispatch(ctx context.Context, env session.Envelope) {
	s.mu.Lock()
	if fid, ok := s.sessions[env.SessionID]; ok {
		a := s.actors[fid]
		s.mu.Unlock()
		if a != nil {
			s.post(a, message{kind: msgEnvelope, env: env})
		}
		return
	}
	if t, ok := s.tombstones[env.SessionID]; ok {
		s.mu.Unlock()
		s.ackFinished(ctx, env, t)
		return
	}
	if env.Kind != session.KindInit {
		s.mu.Unlock()
		if env.AckSeq > 0 {
			// the sender has received from us, so the session ran here and
			// its tombstone is gone (restart or expiry)
			s.ackFinished(ctx, env, tombstone{party: env.From})
			return
		}
		// an init overtaken in flight; the sender redelivers
		lflog.Trace(s.logger, "envelope for unknown session", lflog.String("envelope", env.String()))
		return
	}

	if _, ok := s.cfg.Registry.Responder(env.FlowName); !ok {
		s.mu.Unlock()
		s.reject(ctx, env, session.CodeUnknownFlow, fmt.Sprintf("no responder for flow %s on %s", env.FlowName, s.cfg.Party))
		return
	}
	id := uuid.NewString()
	a := newActor(id)
	s.actors[id] = a
	s.sessions[env.SessionID] = id
	s.mu.Unlock()

	s.post(a, message{kind: msgStartResponder, env: env})
}

// startResponder creates the responder instance on the actor's worker.
func (s *Scheduler) startResponder(ctx context.Context, a *actor, init session.Envelope) bool {
	def, ok := s.cfg.Registry.Responder(init.FlowName)
	if ok {
		in, err := flow.StartResponder(ctx, s.flowEnv(), def, a.id, init)
		if err == nil {
			a.inst = in
			lflog.WithFlowContext(s.logger, a.id, def.Name).Info("responder started",
				lflog.String(lflog.SessionIDKey, init.SessionID),
				lflog.String(lflog.PartyKey, init.From))
			if s.metrics != nil {
				s.metrics.RecordFlowStart(ctx, def.Name)
			}
			a.snapshot(0)
			s.publish(a.info())
			return true
		}
		s.logger.Warn("failed to start responder, waiting for redelivery",
			lflog.String(lflog.SessionIDKey, init.SessionID), lflog.Error(err))
	}
	s.mu.Lock()
	delete(s.actors, a.id)
	if s.sessions[init.SessionID] == a.id {
		delete(s.sessions, init.SessionID)
	}
	s.mu.Unlock()
	return false
}

// ackFinished acknowledges envelopes for a session whose flow has already
// finished so the counterparty stops redelivering.
func (s *Scheduler) ackFinished(ctx context.Context, env session.Envelope, t tombstone) {
	if env.Kind == session.KindAck {
		return
	}
	ack := t.recvSeq
	if env.Seq > ack {
		ack = env.Seq
	}
	s.sendDirect(ctx, session.Envelope{SessionID: env.SessionID, To: env.From, Kind: session.KindAck, AckSeq: ack})
}

// reject answers an init that no local flow can serve.
func (s *Scheduler) reject(ctx context.Context, init session.Envelope, code, msg string) {
	s.logger.Warn("rejecting session",
		lflog.String(lflog.SessionIDKey, init.SessionID),
		lflog.String(lflog.PartyKey, init.From),
		lflog.String(lflog.FlowNameKey, init.FlowName),
		lflog.String("code", code))
	s.sendDirect(ctx, session.Envelope{
		SessionID: init.SessionID,
		To:        init.From,
		Kind:      session.KindError,
		Seq:       1,
		AckSeq:    init.Seq,
		Error:     &session.Error{Code: code, Message: msg},
	})
}

func (s *Scheduler) sendDirect(ctx context.Context, env session.Envelope) {
	if s.draining.Load() {
		return
	}
	env.From = s.cfg.Party
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SendTimeout)
	defer cancel()
	if err := s.cfg.Transport.Send(sctx, env); err != nil {
		s.logger.Debug("direct send failed", lflog.String("envelope", env.String()), lflog.Error(err))
	}
}
