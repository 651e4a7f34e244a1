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
	"log/slog"
	"time"

	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

func (s *Scheduler) hospitalize(ctx context.Context, a *actor, class lferrors.Class, cause error) {
	logger := lflog.WithFlowContext(s.logger, a.id, a.inst.Name())
	if err := a.inst.Hospitalize(ctx, class, cause.Error()); err != nil {
		logger.Error("failed to checkpoint hospitalization", lflog.Error(err))
	}
	a.retries = 0
	admissions := a.inst.Admissions()
	logger.Error("flow hospitalized",
		lflog.Error(cause),
		slog.String("class", class.String()),
		slog.Int("admissions", admissions))
	if s.metrics != nil {
		s.metrics.RecordHospitalization(ctx, a.inst.Name(), class.String())
	}

	if admissions <= s.cfg.HospitalRetries {
		delay := s.cfg.HospitalBackoff.Delay(a.id, admissions)
		a.setTimer(time.AfterFunc(delay, func() { s.post(a, message{kind: msgDischarge}) }))
		logger.Info("automatic discharge scheduled", slog.Duration("delay", delay))
	}
}

// discharge makes a hospitalized flow runnable again. Corrupt checkpoints
// are decoded afresh, which succeeds once the right flow version is
// deployed.
func (s *Scheduler) discharge(ctx context.Context, a *actor, operator bool) error {
	if a.inst == nil {
		if a.broken == nil {
			return &lferrors.NotFoundError{Resource: "flow", ID: a.id}
		}
		in, err := flow.Restore(s.flowEnv(), s.cfg.Registry, a.broken)
		if err != nil {
			a.brokenErr = err
			a.snapshot(0)
			return err
		}
		a.inst, a.broken, a.brokenErr = in, nil, nil
		s.registerSessions(a)
		s.send(ctx, a, in.Unacked(), true)
		s.logger.Info("corrupt flow restored", lflog.String(lflog.FlowIDKey, a.id))
		return nil
	}

	if a.inst.Status() != flow.StatusHospitalized {
		if operator {
			return &lferrors.ValidationError{Field: "id", Message: fmt.Sprintf("flow %s is %s, not hospitalized", a.id, a.inst.Status())}
		}
		return nil
	}
	a.inst.Discharge()
	a.retries = 0
	lflog.WithFlowContext(s.logger, a.id, a.inst.Name()).Info("flow discharged", slog.Bool("operator", operator))
	return nil
}

// kill fails the flow at once and tells its counterparties.
func (s *Scheduler) kill(ctx context.Context, a *actor, reason string) error {
	if a.inst == nil {
		if a.broken == nil {
			return &lferrors.NotFoundError{Resource: "flow", ID: a.id}
		}
		if err := s.cfg.Store.Delete(ctx, a.id); err != nil {
			return lferrors.Transient("checkpoint delete", err)
		}
		s.mu.Lock()
		delete(s.actors, a.id)
		s.results[a.id] = outcome{
			err:     &lferrors.LogicError{Code: "killed", Message: reason},
			expires: s.cfg.Clock().Add(s.cfg.RetainFinished),
		}
		s.mu.Unlock()
		a.stopTimer()
		a.finish()
		return nil
	}
	if a.inst.Status().Terminal() {
		return &lferrors.ValidationError{Field: "id", Message: fmt.Sprintf("flow %s has already finished", a.id)}
	}

	out, err := a.inst.Kill(ctx, reason)
	if err != nil {
		return err
	}
	s.send(ctx, a, out, false)
	lflog.WithFlowContext(s.logger, a.id, a.inst.Name()).Warn("flow killed", slog.String("reason", reason))
	if a.snapshot(a.retries) {
		s.publish(a.info())
	}
	s.finished(ctx, a)
	if a.inst.Removed() {
		s.remove(a)
	}
	return nil
}

func (s *Scheduler) command(ctx context.Context, id string, m message) error {
	s.mu.Lock()
	a, ok := s.actors[id]
	s.mu.Unlock()
	if !ok {
		return &lferrors.NotFoundError{Resource: "flow", ID: id}
	}
	m.reply = make(chan error, 1)
	s.post(a, m)
	select {
	case err := <-m.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry discharges a hospitalized flow.
func (s *Scheduler) Retry(ctx context.Context, id string) error {
	return s.command(ctx, id, message{kind: msgRetry})
}

// Kill terminates a flow: it is marked failed and every open session is
// errored so counterparties observe a typed error. Its checkpoint is
// deleted once those errors are acknowledged.
func (s *Scheduler) Kill(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "killed by operator"
	}
	return s.command(ctx, id, message{kind: msgKill, reason: reason})
}
