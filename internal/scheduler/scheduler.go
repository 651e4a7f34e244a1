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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/ledgerflow/internal/backoff"
	"github.com/tombee/ledgerflow/internal/checkpoint"
	"github.com/tombee/ledgerflow/internal/codec"
	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/transport"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Operation performs the work behind an AwaitAsync suspension. It may be
// invoked more than once for the same input, for example after a restart,
// and must be idempotent. Retryable errors are retried with backoff; any
// other error is delivered to the awaiting flow.
type Operation func(ctx context.Context, input []byte) ([]byte, error)

// MetricsCollector records scheduler activity.
type MetricsCollector interface {
	RecordFlowStart(ctx context.Context, flowName string)
	RecordFlowFinish(ctx context.Context, flowName, status string, duration time.Duration)
	RecordSteps(ctx context.Context, flowName string, steps int, duration time.Duration)
	RecordHospitalization(ctx context.Context, flowName, class string)
	RecordRedelivery(ctx context.Context, envelopes int)
}

// Config configures a Scheduler.
type Config struct {
	// Party is the local party name.
	Party string

	Registry  *flow.Registry
	Store     checkpoint.Store
	Transport transport.Transport

	// Codec encodes new checkpoints. Restored flows keep the codec they
	// were written with.
	// Default: codec.Default
	Codec codec.Codec

	// MaxWorkers bounds the number of flows stepping at once.
	// Default: 16
	MaxWorkers int

	// MaxRetries is the number of backoff retries for a transient failure
	// before the flow is hospitalized.
	// Default: 5
	MaxRetries int

	// Backoff spaces transient retries.
	// Default: exponential from 100ms to 30s
	Backoff backoff.Strategy

	// HospitalRetries is the number of automatic discharges before a
	// hospitalized flow waits for an operator.
	// Default: 3
	HospitalRetries int

	// HospitalBackoff spaces automatic discharges.
	// Default: exponential from 1m to 30m
	HospitalBackoff backoff.Strategy

	// RedeliveryInterval is how often unacknowledged envelopes are resent.
	// Default: 5s
	RedeliveryInterval time.Duration

	// SendTimeout bounds a single transport send.
	// Default: 10s
	SendTimeout time.Duration

	// RetainFinished is how long finished sessions are remembered, so late
	// duplicates are acknowledged, and how long results stay available.
	// Default: 10m
	RetainFinished time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

func (c *Config) defaults() {
	if c.Codec == nil {
		c.Codec = codec.Default
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 16
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewExponential(100*time.Millisecond, 30*time.Second)
	}
	if c.HospitalRetries < 0 {
		c.HospitalRetries = 0
	} else if c.HospitalRetries == 0 {
		c.HospitalRetries = 3
	}
	if c.HospitalBackoff == nil {
		c.HospitalBackoff = backoff.NewExponential(time.Minute, 30*time.Minute)
	}
	if c.RedeliveryInterval <= 0 {
		c.RedeliveryInterval = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Option configures optional collaborators.
type Option func(*Scheduler)

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the tracer used for flow step spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// FlowInfo describes one live flow.
type FlowInfo struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Version    string      `json:"version"`
	Status     flow.Status `json:"status"`
	Awaiting   string      `json:"awaiting"`
	Steps      int64       `json:"steps"`
	Retries    int         `json:"retries,omitempty"`
	Admissions int         `json:"admissions,omitempty"`
	Hospital   string      `json:"hospital,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
}

// StatusChange is published whenever a flow changes status.
type StatusChange struct {
	FlowID   string      `json:"flow_id"`
	FlowName string      `json:"flow_name"`
	Status   flow.Status `json:"status"`
	Awaiting string      `json:"awaiting,omitempty"`
	At       time.Time   `json:"at"`
}

type outcome struct {
	result  []byte
	err     error
	expires time.Time
}

type tombstone struct {
	party   string
	recvSeq uint64
	expires time.Time
}

// Scheduler owns every flow instance of a node.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsCollector
	tracer  trace.Tracer

	// runCtx outlives Stop so in-flight steps can finish their writes.
	runCtx context.Context

	semaphore chan struct{}
	wg        sync.WaitGroup
	draining  atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once

	opsMu sync.RWMutex
	ops   map[string]Operation

	mu         sync.Mutex
	actors     map[string]*actor
	sessions   map[string]string
	tombstones map[string]tombstone
	results    map[string]outcome

	subMu       sync.Mutex
	subscribers map[int]chan StatusChange
	nextSub     int
}

// New creates a scheduler. Call RecoverAll and then Start.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, &lferrors.ConfigError{Key: "scheduler.registry", Reason: "a flow registry is required"}
	}
	if cfg.Store == nil {
		return nil, &lferrors.ConfigError{Key: "checkpoint", Reason: "a checkpoint store is required"}
	}
	if cfg.Transport == nil {
		return nil, &lferrors.ConfigError{Key: "transport", Reason: "a transport is required"}
	}
	if cfg.Party == "" {
		cfg.Party = cfg.Transport.Party()
	}
	cfg.defaults()

	s := &Scheduler{
		cfg:         cfg,
		logger:      lflog.WithComponent(cfg.Logger, "scheduler"),
		tracer:      noop.NewTracerProvider().Tracer("scheduler"),
		runCtx:      context.Background(),
		semaphore:   make(chan struct{}, cfg.MaxWorkers),
		stopCh:      make(chan struct{}),
		ops:         make(map[string]Operation),
		actors:      make(map[string]*actor),
		sessions:    make(map[string]string),
		tombstones:  make(map[string]tombstone),
		results:     make(map[string]outcome),
		subscribers: make(map[int]chan StatusChange),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterOperation makes op available to flows awaiting name.
func (s *Scheduler) RegisterOperation(name string, op Operation) {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	s.ops[name] = op
}

func (s *Scheduler) operation(name string) (Operation, bool) {
	s.opsMu.RLock()
	defer s.opsMu.RUnlock()
	op, ok := s.ops[name]
	return op, ok
}

func (s *Scheduler) flowEnv() flow.Env {
	return flow.Env{
		Party:  s.cfg.Party,
		Codec:  s.cfg.Codec,
		Store:  s.cfg.Store,
		Logger: s.cfg.Logger,
		Clock:  s.cfg.Clock,
	}
}

// Start subscribes to the transport and starts background redelivery.
func (s *Scheduler) Start(ctx context.Context) {
	s.cfg.Transport.Subscribe(s.dispatch)
	s.wg.Add(1)
	go s.housekeeping()
	s.logger.Info("scheduler started", slog.Int("workers", s.cfg.MaxWorkers))
}

// Stop stops accepting work and waits for running steps to finish or ctx
// to expire. Checkpoints stay in the store for the next RecoverAll.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.draining.Store(true)
		close(s.stopCh)
	})
	s.mu.Lock()
	for _, a := range s.actors {
		a.stopTimer()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Handle refers to a submitted flow.
type Handle struct {
	ID string
	s  *Scheduler
}

// Submit starts a new flow of the named definition with JSON-encoded
// args. The flow is checkpointed before Submit returns.
func (s *Scheduler) Submit(ctx context.Context, name string, args []byte) (*Handle, error) {
	if s.draining.Load() {
		return nil, lferrors.Transient("submit", fmt.Errorf("scheduler is stopping"))
	}
	def, err := s.cfg.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	in, err := flow.Start(ctx, s.flowEnv(), def, id, args)
	if err != nil {
		return nil, err
	}

	a := newActor(id)
	a.inst = in
	a.snapshot(0)
	s.mu.Lock()
	s.actors[id] = a
	s.mu.Unlock()

	s.logger.Info("flow submitted", lflog.String(lflog.FlowIDKey, id), lflog.String(lflog.FlowNameKey, name))
	if s.metrics != nil {
		s.metrics.RecordFlowStart(ctx, name)
	}
	s.publish(a.info())
	s.post(a, message{kind: msgWake})
	return &Handle{ID: id, s: s}, nil
}

// Handle returns a handle for an existing or recently finished flow.
func (s *Scheduler) Handle(id string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[id]; ok {
		return &Handle{ID: id, s: s}, nil
	}
	if _, ok := s.results[id]; ok {
		return &Handle{ID: id, s: s}, nil
	}
	return nil, &lferrors.NotFoundError{Resource: "flow", ID: id}
}

// Result waits for the flow to finish and returns its result or failure.
// Only ctx bounds the wait; the flow itself is unaffected by it.
func (h *Handle) Result(ctx context.Context) ([]byte, error) {
	s := h.s
	s.mu.Lock()
	if out, ok := s.results[h.ID]; ok {
		s.mu.Unlock()
		return out.result, out.err
	}
	a, ok := s.actors[h.ID]
	s.mu.Unlock()
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "flow", ID: h.ID}
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	out, ok := s.results[h.ID]
	s.mu.Unlock()
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "flow result", ID: h.ID}
	}
	return out.result, out.err
}

// DumpCheckpoints describes every live flow, sorted by id.
func (s *Scheduler) DumpCheckpoints() []FlowInfo {
	s.mu.Lock()
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	out := make([]FlowInfo, 0, len(actors))
	for _, a := range actors {
		info := a.info()
		if info.ID != "" {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe returns a channel of status changes and a function that
// cancels the subscription. Changes are dropped for subscribers whose
// buffer is full.
func (s *Scheduler) Subscribe(buffer int) (<-chan StatusChange, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StatusChange, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Scheduler) publish(info FlowInfo) {
	change := StatusChange{
		FlowID:   info.ID,
		FlowName: info.Name,
		Status:   info.Status,
		Awaiting: info.Awaiting,
		At:       s.cfg.Clock().UTC(),
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- change:
		default:
			s.logger.Debug("status subscriber is full, dropping change", lflog.String(lflog.FlowIDKey, info.ID))
		}
	}
}

// housekeeping resends unacknowledged envelopes and expires finished
// sessions and results.
func (s *Scheduler) housekeeping() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RedeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			actors := make([]*actor, 0, len(s.actors))
			for _, a := range s.actors {
				actors = append(actors, a)
			}
			now := s.cfg.Clock()
			for id, t := range s.tombstones {
				if now.After(t.expires) {
					delete(s.tombstones, id)
				}
			}
			for id, r := range s.results {
				if now.After(r.expires) {
					delete(s.results, id)
				}
			}
			s.mu.Unlock()
			for _, a := range actors {
				s.post(a, message{kind: msgRedeliver})
			}
		}
	}
}
