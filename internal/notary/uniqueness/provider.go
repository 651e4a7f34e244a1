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

package uniqueness

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/ledgerflow/internal/crypto"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/notary/batchsign"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Metrics receives provider decisions.
type Metrics interface {
	RecordCommit(ctx context.Context, outcome string, requests int)
}

// Provider applies spend requests to a CommitLog.
type Provider struct {
	log     CommitLog
	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the clock used for time window checks.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.clock = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider returns a provider over log.
func NewProvider(log CommitLog, opts ...Option) *Provider {
	p := &Provider{log: log, clock: time.Now}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = lflog.WithComponent(p.logger, "uniqueness")
	return p
}

// Commit records batch atomically. Validation failures are returned as
// errors; storage failures are transient errors; conflicts and time window
// rejections are outcomes.
func (p *Provider) Commit(ctx context.Context, batch []SpendRequest) (Outcome, error) {
	now := p.clock()
	entries, err := validate(batch, now)
	if err != nil {
		return nil, err
	}
	for _, r := range batch {
		if !r.Window.Contains(now) {
			p.record(ctx, "time_window_invalid", len(batch))
			return TimeWindowInvalid{TxID: r.TxID, Window: r.Window, At: now}, nil
		}
	}

	winners, err := p.log.InsertIfAbsent(ctx, entries)
	if err != nil {
		return nil, lferrors.Transient("commit log insert", err)
	}
	if len(winners) > 0 {
		p.logger.Info("spend conflict",
			slog.Any("tx_ids", txIDs(batch)),
			slog.Any("winners", winners))
		p.record(ctx, "conflict", len(batch))
		return Conflict{Winners: winners}, nil
	}
	ids := txIDs(batch)
	lflog.Trace(p.logger, "batch committed", slog.Any("tx_ids", ids), lflog.Int("resources", len(entries)))
	p.record(ctx, "success", len(batch))
	return Success{TxIDs: ids}, nil
}

// RequestCommit commits batch and, on success, signs the accepted
// transactions with one batch signature.
func (p *Provider) RequestCommit(ctx context.Context, batch []SpendRequest, signer crypto.Signer, keyID string) (Outcome, *batchsign.BatchSignature, error) {
	out, err := p.Commit(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	ok, isSuccess := out.(Success)
	if !isSuccess {
		return out, nil, nil
	}
	bs, err := batchsign.Sign(ctx, ok.TxIDs, signer, keyID)
	if err != nil {
		// the commit stands; re-requesting is idempotent and signs again
		return nil, nil, lferrors.Transient("batch sign", err)
	}
	return out, bs, nil
}

func (p *Provider) record(ctx context.Context, outcome string, n int) {
	if p.metrics != nil {
		p.metrics.RecordCommit(ctx, outcome, n)
	}
}
