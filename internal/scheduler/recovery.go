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
)

// RecoverAll loads every checkpoint and re-arms its flow. Checkpoints that
// cannot be decoded are kept and reported as hospitalized. It returns the
// number of flows recovered.
func (s *Scheduler) RecoverAll(ctx context.Context) (int, error) {
	cps, err := s.cfg.Store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	recovered := 0
	for _, cp := range cps {
		s.mu.Lock()
		_, exists := s.actors[cp.FlowID]
		s.mu.Unlock()
		if exists {
			continue
		}

		a := newActor(cp.FlowID)
		in, err := flow.Restore(s.flowEnv(), s.cfg.Registry, cp)
		if err != nil {
			s.logger.Error("checkpoint cannot be resumed, hospitalizing",
				lflog.String(lflog.FlowIDKey, cp.FlowID),
				lflog.String(lflog.FlowNameKey, cp.FlowName),
				lflog.Error(err))
			a.broken, a.brokenErr = cp, err
			a.snapshot(0)
			s.mu.Lock()
			s.actors[cp.FlowID] = a
			s.mu.Unlock()
			continue
		}

		a.inst = in
		a.snapshot(0)
		s.mu.Lock()
		s.actors[cp.FlowID] = a
		s.mu.Unlock()
		s.registerSessions(a)
		recovered++

		if in.Status() == flow.StatusHospitalized {
			if in.Admissions() <= s.cfg.HospitalRetries {
				delay := s.cfg.HospitalBackoff.Delay(a.id, in.Admissions())
				a.setTimer(time.AfterFunc(delay, func() { s.post(a, message{kind: msgDischarge}) }))
			}
			continue
		}
		// resend what the peer may not have seen, then run whatever is due
		s.post(a, message{kind: msgRedeliver})
	}

	s.logger.Info("flows recovered", slog.Int("recovered", recovered), slog.Int("checkpoints", len(cps)))
	return recovered, nil
}
