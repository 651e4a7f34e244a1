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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/ledgerflow/internal/codec"
	"github.com/tombee/ledgerflow/internal/crypto"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/notary/batchsign"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	"github.com/tombee/ledgerflow/internal/scheduler"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// ErrPassive is returned while this replica is not the active signer.
var ErrPassive = errors.New("notary replica is passive")

// ErrStopped is returned once the service has stopped.
var ErrStopped = errors.New("notary service stopped")

// Metrics records batch activity.
type Metrics interface {
	RecordBatch(ctx context.Context, requests, signed int, duration time.Duration)
}

// Config configures a Service.
type Config struct {
	Provider *uniqueness.Provider
	Signer   crypto.Signer
	KeyID    string

	// Codec decodes operation input and encodes its output. It must match
	// the scheduler's codec.
	// Default: codec.Default
	Codec codec.Codec

	// BatchWindow is how long the first request of a batch waits for
	// company.
	// Default: 20ms
	BatchWindow time.Duration

	// MaxBatch caps the requests signed together.
	// Default: 256
	MaxBatch int

	// Admission filters requests before they reach the commit log.
	Admission *Admission

	// RatePerParty limits requests per second from each party. Zero means
	// unlimited.
	RatePerParty float64

	// RateBurst is the per-party burst.
	// Default: 1 when RatePerParty is set
	RateBurst int

	// Active reports whether this replica may sign. Nil means always.
	Active func() bool

	Logger  *slog.Logger
	Metrics Metrics
}

type pending struct {
	party string
	req   Request
	reply chan reply
}

type reply struct {
	resp *Response
	err  error
}

// Service batches commit requests and signs each batch once.
type Service struct {
	cfg    Config
	logger *slog.Logger
	queue  chan *pending
	stopCh chan struct{}

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewService validates cfg and returns a service. Call Run to start
// processing.
func NewService(cfg Config) (*Service, error) {
	if cfg.Provider == nil {
		return nil, &lferrors.ConfigError{Key: "notary.provider", Reason: "uniqueness provider is required"}
	}
	if cfg.Signer == nil || cfg.KeyID == "" {
		return nil, &lferrors.ConfigError{Key: "notary.key", Reason: "signer and key id are required"}
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 20 * time.Millisecond
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 256
	}
	if cfg.RatePerParty > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		logger:   lflog.WithComponent(logger, "notary"),
		queue:    make(chan *pending, cfg.MaxBatch),
		stopCh:   make(chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Run processes batches until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.stopCh)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case first := <-s.queue:
			batch := s.collect(ctx, first)
			s.process(ctx, batch)
		}
	}
}

func (s *Service) collect(ctx context.Context, first *pending) []*pending {
	batch := []*pending{first}
	timer := time.NewTimer(s.cfg.BatchWindow)
	defer timer.Stop()
	for len(batch) < s.cfg.MaxBatch {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// drain fails whatever is still queued so callers retry elsewhere.
func (s *Service) drain() {
	for {
		select {
		case p := <-s.queue:
			p.reply <- reply{err: lferrors.Transient("notarise", ErrStopped)}
		default:
			return
		}
	}
}

func (s *Service) active() bool {
	return s.cfg.Active == nil || s.cfg.Active()
}

func (s *Service) limiter(party string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[party]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerParty), s.cfg.RateBurst)
		s.limiters[party] = l
	}
	return l
}

// Notarise submits one request from party and waits for its batch.
// Transient errors mean the request was not decided and may be retried.
func (s *Service) Notarise(ctx context.Context, party string, req Request) (*Response, error) {
	if req.TxID == "" || len(req.Inputs) == 0 {
		return &Response{Status: StatusRejected, Code: CodeInvalidRequest, Message: "tx_id and at least one input are required"}, nil
	}
	if !s.active() {
		return nil, lferrors.Transient("notarise", ErrPassive)
	}
	if s.cfg.RatePerParty > 0 && !s.limiter(party).Allow() {
		return nil, lferrors.Transient("notarise", fmt.Errorf("rate limit exceeded for %s", party))
	}
	ok, err := s.cfg.Admission.Admit(party, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("request not admitted", lflog.String(lflog.PartyKey, party), lflog.String(lflog.TxIDKey, req.TxID))
		return &Response{Status: StatusRejected, Code: CodeAdmissionDenied, Message: fmt.Sprintf("rule %q rejected the request", s.cfg.Admission)}, nil
	}

	select {
	case <-s.stopCh:
		return nil, lferrors.Transient("notarise", ErrStopped)
	default:
	}
	p := &pending{party: party, req: req, reply: make(chan reply, 1)}
	select {
	case s.queue <- p:
	case <-s.stopCh:
		return nil, lferrors.Transient("notarise", ErrStopped)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-p.reply:
		return r.resp, r.err
	case <-s.stopCh:
		// Run may have drained before p was queued
		select {
		case r := <-p.reply:
			return r.resp, r.err
		default:
		}
		return nil, lferrors.Transient("notarise", ErrStopped)
	case <-ctx.Done():
		// the batch may still commit; a retry of the same request is idempotent
		return nil, ctx.Err()
	}
}

func (s *Service) process(ctx context.Context, batch []*pending) {
	start := time.Now()
	if !s.active() {
		for _, p := range batch {
			p.reply <- reply{err: lferrors.Transient("notarise", ErrPassive)}
		}
		return
	}

	var accepted []*pending
	for _, p := range batch {
		out, err := s.cfg.Provider.Commit(ctx, p.req.spends(p.party))
		if err != nil {
			p.reply <- reply{err: err}
			continue
		}
		switch o := out.(type) {
		case uniqueness.Success:
			accepted = append(accepted, p)
		case uniqueness.Conflict:
			p.reply <- reply{resp: &Response{Status: StatusConflict, Winners: o.Winners}}
		case uniqueness.TimeWindowInvalid:
			p.reply <- reply{resp: &Response{Status: StatusRejected, Code: CodeTimeWindowInvalid, Message: o.Err().Error()}}
		}
	}

	signed := 0
	if len(accepted) > 0 {
		ids := make([]string, len(accepted))
		for i, p := range accepted {
			ids[i] = p.req.TxID
		}
		bs, err := batchsign.Sign(ctx, ids, s.cfg.Signer, s.cfg.KeyID)
		if err != nil {
			s.logger.Error("batch signing failed", lflog.Int("requests", len(accepted)), lflog.Error(err))
			for _, p := range accepted {
				p.reply <- reply{err: lferrors.Transient("batch sign", err)}
			}
		} else {
			for _, p := range accepted {
				ts, err := batchsign.ProofFor(bs, p.req.TxID)
				if err != nil {
					p.reply <- reply{err: err}
					continue
				}
				p.reply <- reply{resp: &Response{Status: StatusSigned, Signature: ts}}
				signed++
			}
			s.logger.Info("batch signed",
				lflog.Int("requests", len(batch)),
				lflog.Int("signed", signed),
				slog.String("root", bs.Root.String()))
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordBatch(ctx, len(batch), signed, time.Since(start))
	}
}

// Operation adapts the service to the scheduler's async operation
// interface under OpCommit.
func (s *Service) Operation() scheduler.Operation {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var in commitInput
		if err := s.cfg.Codec.Unmarshal(input, &in); err != nil {
			return nil, &lferrors.ValidationError{Field: "input", Message: err.Error()}
		}
		resp, err := s.Notarise(ctx, in.Party, in.Request)
		if err != nil {
			return nil, err
		}
		return s.cfg.Codec.Marshal(resp)
	}
}
