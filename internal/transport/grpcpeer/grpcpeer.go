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

// Package grpcpeer carries session envelopes between nodes over gRPC. Each
// node keeps one long-lived bidirectional stream to every peer it sends to;
// the receiving side reads envelopes off the stream and hands them to the
// local handler.
package grpcpeer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tombee/ledgerflow/internal/codec"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/netmap"
	"github.com/tombee/ledgerflow/internal/session"
	"github.com/tombee/ledgerflow/internal/transport"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

const (
	serviceName = "ledgerflow.transport.v1.Peer"
	methodName  = "/" + serviceName + "/Exchange"
	codecName   = "ledgerflow-json"

	partyHeader = "x-ledgerflow-party"
	authHeader  = "authorization"
)

// ErrAuthenticationFailed is returned to peers presenting a wrong token.
var ErrAuthenticationFailed = errors.New("grpcpeer: authentication failed")

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error)      { return codec.JSON{}.Marshal(v) }
func (wireCodec) Unmarshal(data []byte, v any) error { return codec.JSON{}.Unmarshal(data, v) }
func (wireCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(wireCodec{})
}

type peerServer interface {
	exchange(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Exchange",
		Handler:       func(srv any, stream grpc.ServerStream) error { return srv.(peerServer).exchange(stream) },
		ClientStreams: true,
		ServerStreams: true,
	}},
}

// TLSConfig points at PEM files. CAFile verifies peers; CertFile and
// KeyFile identify this node.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Config configures a Transport.
type Config struct {
	// Party is the local party name.
	Party string

	// ListenAddr is where peers connect, e.g. ":7001".
	ListenAddr string

	// Resolver maps party names to addresses.
	Resolver netmap.Resolver

	// Token, when set, must be presented by every peer.
	Token string

	TLS *TLSConfig

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 5 seconds
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

type peerConn struct {
	addr   string
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	sendMu sync.Mutex
}

// Transport is a gRPC implementation of transport.Transport.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	peers    map[string]*peerConn
	handler  transport.Handler
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport. Call Start to accept inbound streams.
func New(cfg Config) (*Transport, error) {
	if cfg.Party == "" {
		return nil, &lferrors.ConfigError{Key: "node.party", Reason: "party name is required"}
	}
	if cfg.Resolver == nil {
		return nil, &lferrors.ConfigError{Key: "transport.network_map", Reason: "a network map is required"}
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Transport{
		cfg:    cfg,
		logger: lflog.WithComponent(cfg.Logger, "grpcpeer"),
		peers:  make(map[string]*peerConn),
	}

	opts := []grpc.ServerOption{grpc.StreamInterceptor(t.authorize)}
	if cfg.TLS != nil && cfg.TLS.CertFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, &lferrors.ConfigError{Key: "transport.tls", Reason: "cannot load server certificate", Cause: err}
		}
		opts = append(opts, grpc.Creds(creds))
	}
	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&serviceDesc, t)
	return t, nil
}

// Party returns the local party name.
func (t *Transport) Party() string { return t.cfg.Party }

// Start listens on ListenAddr and serves peers until Close.
func (t *Transport) Start(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr, err)
	}
	t.mu.Lock()
	t.listener = lis
	t.mu.Unlock()

	go func() {
		if err := t.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("peer server stopped", lflog.Error(err))
		}
	}()
	t.logger.Info("peer transport listening", slog.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Subscribe installs the inbound handler.
func (t *Transport) Subscribe(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) currentHandler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// Send writes env onto the stream to its destination, opening the stream
// on first use. A broken stream is discarded and the error reported as
// transient; the session layer redelivers.
func (t *Transport) Send(ctx context.Context, env session.Envelope) error {
	env.From = t.cfg.Party
	pc, err := t.peer(ctx, env.To)
	if err != nil {
		return err
	}
	pc.sendMu.Lock()
	err = pc.stream.SendMsg(&env)
	pc.sendMu.Unlock()
	if err != nil {
		t.drop(env.To, pc)
		return lferrors.Transient("peer send", fmt.Errorf("%s: %w", env.To, err))
	}
	lflog.Trace(t.logger, "envelope sent", lflog.String(lflog.PartyKey, env.To), lflog.String("envelope", env.String()))
	return nil
}

func (t *Transport) peer(ctx context.Context, party string) (*peerConn, error) {
	p, ok := t.cfg.Resolver.Lookup(party)
	if !ok || p.Address == "" {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownParty, party)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if pc, ok := t.peers[party]; ok {
		if pc.addr == p.Address {
			return pc, nil
		}
		// the network map moved the party
		pc.close()
		delete(t.peers, party)
	}

	pc, err := t.dial(party, p.Address)
	if err != nil {
		return nil, lferrors.Transient("peer dial", fmt.Errorf("%s at %s: %w", party, p.Address, err))
	}
	t.peers[party] = pc
	return pc, nil
}

func (t *Transport) dial(party, addr string) (*peerConn, error) {
	creds := insecure.NewCredentials()
	if t.cfg.TLS != nil && t.cfg.TLS.CAFile != "" {
		c, err := credentials.NewClientTLSFromFile(t.cfg.TLS.CAFile, "")
		if err != nil {
			return nil, err
		}
		creds = c
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}

	md := metadata.Pairs(partyHeader, t.cfg.Party)
	if t.cfg.Token != "" {
		md.Append(authHeader, "Bearer "+t.cfg.Token)
	}
	ctx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.Background(), md))
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], methodName, grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		conn.Close()
		return nil, err
	}
	pc := &peerConn{addr: addr, conn: conn, stream: stream, cancel: cancel}

	// The server never writes; RecvMsg returns once the stream dies.
	go func() {
		var discard session.Envelope
		err := stream.RecvMsg(&discard)
		if err != nil && !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
			t.logger.Warn("peer stream closed", lflog.String(lflog.PartyKey, party), lflog.Error(err))
		}
		t.drop(party, pc)
	}()
	return pc, nil
}

func (t *Transport) drop(party string, pc *peerConn) {
	t.mu.Lock()
	if t.peers[party] == pc {
		delete(t.peers, party)
	}
	t.mu.Unlock()
	pc.close()
}

func (pc *peerConn) close() {
	pc.cancel()
	pc.conn.Close()
}

func (t *Transport) authorize(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if t.cfg.Token == "" {
		return handler(srv, ss)
	}
	md, _ := metadata.FromIncomingContext(ss.Context())
	want := "Bearer " + t.cfg.Token
	for _, got := range md.Get(authHeader) {
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return handler(srv, ss)
		}
	}
	return status.Error(codes.Unauthenticated, ErrAuthenticationFailed.Error())
}

func (t *Transport) exchange(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	var from string
	if v := md.Get(partyHeader); len(v) > 0 {
		from = v[0]
	}
	logger := t.logger.With(lflog.String(lflog.PartyKey, from))
	logger.Debug("peer stream opened")

	for {
		var env session.Envelope
		if err := stream.RecvMsg(&env); err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		if from != "" && env.From != from {
			logger.Warn("dropping envelope with mismatched sender", slog.String("claimed", env.From))
			continue
		}
		if env.To != t.cfg.Party {
			logger.Warn("dropping misaddressed envelope", slog.String("to", env.To))
			continue
		}
		if h := t.currentHandler(); h != nil {
			h(stream.Context(), env)
		}
	}
}

// Close stops the server and every outbound stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, pc := range peers {
		pc.close()
	}

	done := make(chan struct{})
	go func() {
		t.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(t.cfg.ShutdownTimeout):
		t.server.Stop()
	}
	return nil
}
