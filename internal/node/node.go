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

// Package node assembles a ledgerflow node from configuration: checkpoint
// store, peer transport, flow scheduler, the optional notary service and
// the admin API.
package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/ledgerflow/internal/adminapi"
	"github.com/tombee/ledgerflow/internal/backoff"
	"github.com/tombee/ledgerflow/internal/checkpoint"
	"github.com/tombee/ledgerflow/internal/codec"
	"github.com/tombee/ledgerflow/internal/config"
	"github.com/tombee/ledgerflow/internal/crypto"
	"github.com/tombee/ledgerflow/internal/flow"
	"github.com/tombee/ledgerflow/internal/lifecycle"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/netmap"
	"github.com/tombee/ledgerflow/internal/notary"
	"github.com/tombee/ledgerflow/internal/notary/ha"
	"github.com/tombee/ledgerflow/internal/notary/uniqueness"
	"github.com/tombee/ledgerflow/internal/scheduler"
	"github.com/tombee/ledgerflow/internal/tracing"
	"github.com/tombee/ledgerflow/internal/transport"
	"github.com/tombee/ledgerflow/internal/transport/grpcpeer"
	"github.com/tombee/ledgerflow/internal/transport/memory"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Options contains settings that do not come from the config file.
type Options struct {
	Version string

	// Flows registers application flows next to the built-in notary flows.
	Flows func(*flow.Registry) error

	// Network is the in-process network joined when transport.kind is
	// memory. A private network is created when nil.
	Network *memory.Network

	// Passphrase unlocks the notary key.
	// Default: crypto.DefaultPassphrase()
	Passphrase crypto.PassphraseSource

	// Logger overrides the logger built from the log section.
	Logger *slog.Logger

	// TraceOutput receives spans when the stdout exporter is selected.
	TraceOutput io.Writer
}

// Node is a running ledgerflow process.
type Node struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	telemetry *tracing.Provider
	store     checkpoint.Store
	network   netmap.Resolver
	watcher   *netmap.Watcher
	transport transport.Transport
	peers     *grpcpeer.Transport
	sched     *scheduler.Scheduler

	notary  *notary.Service
	elector *ha.Elector

	admin  *adminapi.Server
	checks map[string]adminapi.Check

	closers []func() error
	ready   chan struct{}
	once    sync.Once
}

// New builds every component of the node without starting any of them.
// On error whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Node, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Passphrase == nil {
		opts.Passphrase = crypto.DefaultPassphrase()
	}
	logger := opts.Logger
	if logger == nil {
		logger = lflog.New(&lflog.Config{
			Level:     cfg.Log.Level,
			Format:    lflog.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}
	n := &Node{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(slog.String(lflog.PartyKey, cfg.Node.Party)),
		checks: make(map[string]adminapi.Check),
		ready:  make(chan struct{}),
	}
	defer func() {
		if err != nil {
			n.close(context.Background())
		}
	}()

	if err := n.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	if usesDataDir(cfg) {
		lock, err := lifecycle.AcquireDirLock(cfg.Node.DataDir)
		if err != nil {
			return nil, fmt.Errorf("data directory: %w", err)
		}
		n.onClose(lock.Release)
	}
	c, err := codec.ByName(cfg.Node.Codec)
	if err != nil {
		return nil, &lferrors.ConfigError{Key: "node.codec", Reason: err.Error(), Cause: err}
	}
	if n.store, err = n.openStore(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	if err := n.setupTransport(); err != nil {
		return nil, err
	}

	reg := flow.NewRegistry()
	if err := notary.Register(reg, notary.KeyResolverFunc(n.notaryKey)); err != nil {
		return nil, err
	}
	if opts.Flows != nil {
		if err := opts.Flows(reg); err != nil {
			return nil, fmt.Errorf("register flows: %w", err)
		}
	}

	sc := cfg.Scheduler
	n.sched, err = scheduler.New(scheduler.Config{
		Registry:           reg,
		Store:              n.store,
		Transport:          n.transport,
		Codec:              c,
		MaxWorkers:         sc.MaxWorkers,
		MaxRetries:         sc.MaxRetries,
		Backoff:            backoff.NewExponential(sc.BackoffBase, sc.BackoffMax),
		HospitalRetries:    sc.HospitalRetries,
		HospitalBackoff:    backoff.NewExponential(sc.HospitalBackoff, max(30*time.Minute, sc.HospitalBackoff)),
		RedeliveryInterval: sc.RedeliveryInterval,
		SendTimeout:        sc.SendTimeout,
		RetainFinished:     sc.RetainFinished,
		Logger:             n.logger,
	},
		scheduler.WithMetrics(n.telemetry.Metrics()),
		scheduler.WithTracer(n.telemetry.Tracer("ledgerflow/scheduler")),
	)
	if err != nil {
		return nil, err
	}
	n.checks["flows"] = func(context.Context) (string, error) {
		return fmt.Sprintf("%d live", len(n.sched.DumpCheckpoints())), nil
	}

	if cfg.Notary.Enabled {
		if err := n.setupNotary(ctx, c); err != nil {
			return nil, fmt.Errorf("notary: %w", err)
		}
	}
	if cfg.Admin.ListenAddr != "" {
		router := adminapi.NewRouter(adminapi.Config{
			Flows:   n.sched,
			Auth:    adminapi.JWTConfig{Secret: []byte(cfg.Admin.JWTSecret), Issuer: cfg.Admin.JWTIssuer, ClockSkew: 30 * time.Second},
			Metrics: n.telemetry.Handler(),
			Checks:  n.checks,
			Logger:  n.logger,
		})
		n.admin = adminapi.NewServer(cfg.Admin.ListenAddr, router, n.logger)
	}
	return n, nil
}

func (n *Node) setupTelemetry(ctx context.Context) error {
	obs := n.cfg.Observability
	tcfg := tracing.DefaultConfig()
	if n.opts.Version != "" {
		tcfg.ServiceVersion = n.opts.Version
	}
	tcfg.SampleRate = obs.SampleRate
	tcfg.AlwaysSampleErrors = true
	tcfg.Exporter = tracing.ExporterConfig{
		Kind:       obs.Exporter,
		Endpoint:   obs.Endpoint,
		Insecure:   obs.Insecure,
		CACertPath: obs.CACertFile,
		Headers:    obs.Headers,
	}
	var topts []tracing.Option
	if n.opts.TraceOutput != nil {
		topts = append(topts, tracing.WithStdout(n.opts.TraceOutput))
	}
	p, err := tracing.New(ctx, tcfg, topts...)
	if err != nil {
		return err
	}
	n.telemetry = p
	return nil
}

func (n *Node) setupTransport() error {
	tc := n.cfg.Transport
	if tc.NetworkMap != "" {
		w, err := netmap.NewWatcher(tc.NetworkMap, n.logger, nil)
		if err != nil {
			return err
		}
		n.watcher, n.network = w, w
	}

	switch tc.Kind {
	case config.TransportMemory:
		net := n.opts.Network
		if net == nil {
			net = memory.NewNetwork(memory.Faults{})
		}
		n.transport = net.Join(n.cfg.Node.Party)
		return nil

	case config.TransportGRPC, "":
		var tls *grpcpeer.TLSConfig
		if tc.TLS.CertFile != "" || tc.TLS.CAFile != "" {
			tls = &grpcpeer.TLSConfig{CertFile: tc.TLS.CertFile, KeyFile: tc.TLS.KeyFile, CAFile: tc.TLS.CAFile}
		}
		t, err := grpcpeer.New(grpcpeer.Config{
			Party:      n.cfg.Node.Party,
			ListenAddr: tc.ListenAddr,
			Resolver:   n.network,
			Token:      tc.Token,
			TLS:        tls,
			Logger:     n.logger,
		})
		if err != nil {
			return err
		}
		n.peers, n.transport = t, t
		return nil

	default:
		return &lferrors.ConfigError{Key: "transport.kind", Reason: fmt.Sprintf("unsupported transport %q", tc.Kind)}
	}
}

// notaryKey resolves a notary's public key from the network map.
func (n *Node) notaryKey(_ context.Context, party string) (ed25519.PublicKey, error) {
	if n.network == nil {
		return nil, &lferrors.NotFoundError{Resource: "network map", ID: party}
	}
	p, ok := n.network.Lookup(party)
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "party", ID: party}
	}
	if !p.Notary {
		return nil, &lferrors.ValidationError{Field: "notary", Message: fmt.Sprintf("%s is not a notary", party)}
	}
	return p.Key()
}

func (n *Node) setupNotary(ctx context.Context, c codec.Codec) error {
	nc := n.cfg.Notary
	log, db, err := n.openCommitLog(ctx)
	if err != nil {
		return err
	}
	provider := uniqueness.NewProvider(log,
		uniqueness.WithLogger(n.logger),
		uniqueness.WithMetrics(n.telemetry.Metrics()))

	ring := crypto.NewKeyRing()
	keyID, err := crypto.LoadKey(nc.KeyFile, n.opts.Passphrase, ring)
	if err != nil {
		return &lferrors.ConfigError{Key: "notary.key_file", Reason: "cannot load signing key", Cause: err}
	}
	admission, err := notary.CompileAdmission(nc.Admission)
	if err != nil {
		return err
	}

	var active func() bool
	if nc.HA.Enabled {
		if db == nil {
			return &lferrors.ConfigError{Key: "notary.ha.enabled", Reason: "high availability needs the postgres commit log"}
		}
		n.elector = ha.NewElector(ha.Config{
			DB:            db,
			InstanceID:    n.cfg.Node.Party + "-" + uuid.NewString()[:8],
			LockID:        nc.HA.LockID,
			RetryInterval: nc.HA.RetryInterval,
			Logger:        n.logger,
		})
		active = n.elector.IsActive
		n.checks["notary_role"] = func(context.Context) (string, error) {
			role, _ := n.elector.Role().Get()
			return string(role), nil
		}
	}

	n.notary, err = notary.NewService(notary.Config{
		Provider:     provider,
		Signer:       ring,
		KeyID:        keyID,
		Codec:        c,
		BatchWindow:  nc.BatchWindow,
		MaxBatch:     nc.MaxBatch,
		Admission:    admission,
		RatePerParty: nc.RatePerParty,
		RateBurst:    nc.RateBurst,
		Active:       active,
		Logger:       n.logger,
		Metrics:      n.telemetry.Metrics(),
	})
	if err != nil {
		return err
	}
	n.sched.RegisterOperation(notary.OpCommit, n.notary.Operation())
	n.logger.Info("notary enabled",
		slog.String("key_id", keyID),
		slog.String("commit_log", nc.CommitLog.Backend),
		slog.Bool("ha", nc.HA.Enabled))
	return nil
}

// Scheduler returns the node's flow scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.sched }

// Ready is closed once the scheduler has recovered and started.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// AdminAddr returns the admin API address once it listens.
func (n *Node) AdminAddr() string {
	if n.admin == nil {
		return ""
	}
	return n.admin.Addr()
}

// Run starts the node and blocks until ctx is cancelled or a component
// fails, then drains the scheduler and releases every resource.
func (n *Node) Run(ctx context.Context) error {
	if n.peers != nil {
		if err := n.peers.Start(ctx); err != nil {
			n.close(ctx)
			return err
		}
	}
	if n.watcher != nil {
		n.watcher.Start(ctx)
	}

	// the notary and the elector outlive the scheduler so that in-flight
	// commit operations can finish during the drain
	services, stopServices := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServices()
	var bg errgroup.Group
	if n.elector != nil {
		bg.Go(func() error { return n.elector.Run(services) })
	}
	if n.notary != nil {
		bg.Go(func() error { return n.notary.Run(services) })
	}

	recovered, err := n.sched.RecoverAll(ctx)
	if err != nil {
		stopServices()
		_ = bg.Wait()
		n.close(ctx)
		return fmt.Errorf("recover flows: %w", err)
	}
	n.sched.Start(ctx)
	n.logger.Info("node started",
		slog.String("version", n.opts.Version),
		slog.Int("recovered_flows", recovered),
		slog.String("transport", n.cfg.Transport.Kind),
		slog.String("checkpoint_backend", n.cfg.Checkpoint.Backend))
	n.once.Do(func() { close(n.ready) })

	g, gctx := errgroup.WithContext(ctx)
	if n.admin != nil {
		g.Go(func() error { return n.admin.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	n.logger.Info("node shutting down", slog.Int("live_flows", len(n.sched.DumpCheckpoints())))
	timeout := n.cfg.Node.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := n.sched.Stop(shutdownCtx); err != nil {
		n.logger.Warn("scheduler did not drain in time", lflog.Error(err))
	}
	stopServices()
	if err := bg.Wait(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	n.close(shutdownCtx)
	n.logger.Info("node stopped")
	return runErr
}

// usesDataDir reports whether the node keeps local state that a second
// process must not open.
func usesDataDir(cfg *config.Config) bool {
	switch cfg.Checkpoint.Backend {
	case "", config.BackendFile, config.BackendSQLite:
		return true
	}
	if !cfg.Notary.Enabled {
		return false
	}
	switch cfg.Notary.CommitLog.Backend {
	case "", config.BackendSQLite:
		return true
	}
	return false
}

func (n *Node) onClose(fn func() error) {
	n.closers = append(n.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (n *Node) close(ctx context.Context) {
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			n.logger.Error("failed to close transport", lflog.Error(err))
		}
	}
	if n.watcher != nil {
		if err := n.watcher.Stop(); err != nil {
			n.logger.Error("failed to stop network map watcher", lflog.Error(err))
		}
		n.watcher = nil
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.logger.Error("failed to close resource", lflog.Error(err))
		}
	}
	n.closers = nil
	if n.telemetry != nil {
		if err := n.telemetry.Shutdown(ctx); err != nil {
			n.logger.Error("telemetry shutdown error", lflog.Error(err))
		}
	}
}
