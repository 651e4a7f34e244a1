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

// Package memory is an in-process network for tests and single-process
// deployments. It can duplicate, delay, drop and partition traffic.
package memory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tombee/ledgerflow/internal/session"
	"github.com/tombee/ledgerflow/internal/transport"
)

// Faults configures misbehaviour. Probabilities are in [0,1].
type Faults struct {
	// Duplicate is the probability an envelope is delivered twice.
	Duplicate float64

	// Drop is the probability an envelope is lost.
	Drop float64

	// MaxDelay delays each delivery by a random duration up to this
	// value, which reorders envelopes in flight.
	MaxDelay time.Duration

	// Seed makes the fault sequence reproducible.
	Seed uint64
}

// Network connects in-process endpoints.
type Network struct {
	mu          sync.Mutex
	faults      Faults
	rng         *rand.Rand
	endpoints   map[string]*Endpoint
	partitioned map[[2]string]bool
	inflight    sync.WaitGroup
	delivered   int
}

// NewNetwork creates a network with the given faults.
func NewNetwork(faults Faults) *Network {
	return &Network{
		faults:      faults,
		rng:         rand.New(rand.NewPCG(faults.Seed, faults.Seed^0x9e3779b97f4a7c15)),
		endpoints:   make(map[string]*Endpoint),
		partitioned: make(map[[2]string]bool),
	}
}

// Join attaches party to the network, replacing an earlier endpoint of the
// same name, as happens when a node restarts.
func (n *Network) Join(party string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if old, ok := n.endpoints[party]; ok {
		old.detach()
	}
	ep := &Endpoint{net: n, party: party}
	n.endpoints[party] = ep
	return ep
}

// Partition cuts traffic between a and b in both directions.
func (n *Network) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[pairKey(a, b)] = true
}

// Heal restores traffic between a and b.
func (n *Network) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, pairKey(a, b))
}

// SetFaults replaces the fault configuration, keeping the random stream.
func (n *Network) SetFaults(f Faults) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f.Seed = n.faults.Seed
	n.faults = f
}

// Flush waits until nothing is in flight.
func (n *Network) Flush() {
	n.inflight.Wait()
}

// Delivered returns how many envelopes reached a handler.
func (n *Network) Delivered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (n *Network) route(ctx context.Context, env session.Envelope) error {
	n.mu.Lock()
	dst, ok := n.endpoints[env.To]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", transport.ErrUnknownParty, env.To)
	}
	if n.partitioned[pairKey(env.From, env.To)] || n.rng.Float64() < n.faults.Drop {
		n.mu.Unlock()
		return nil
	}
	copies := 1
	if n.rng.Float64() < n.faults.Duplicate {
		copies = 2
	}
	delays := make([]time.Duration, copies)
	for i := range delays {
		if n.faults.MaxDelay > 0 {
			delays[i] = time.Duration(n.rng.Int64N(int64(n.faults.MaxDelay)))
		}
	}
	n.inflight.Add(copies)
	n.mu.Unlock()

	for _, d := range delays {
		go n.deliver(dst, env, d)
	}
	return nil
}

func (n *Network) deliver(dst *Endpoint, env session.Envelope, delay time.Duration) {
	defer n.inflight.Done()
	if delay > 0 {
		time.Sleep(delay)
	}
	h := dst.handler()
	if h == nil {
		return
	}
	n.mu.Lock()
	n.delivered++
	n.mu.Unlock()
	h(context.Background(), env)
}

// Endpoint is one party's attachment to a Network. It implements
// transport.Transport.
type Endpoint struct {
	net   *Network
	party string

	mu     sync.RWMutex
	h      transport.Handler
	closed bool
}

var _ transport.Transport = (*Endpoint)(nil)

// Party returns the endpoint's party name.
func (e *Endpoint) Party() string { return e.party }

// Send routes env to its destination. The From field is overwritten with
// the endpoint's party.
func (e *Endpoint) Send(ctx context.Context, env session.Envelope) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}
	env.From = e.party
	env.Payload = append([]byte(nil), env.Payload...)
	return e.net.route(ctx, env)
}

// Subscribe installs the inbound handler.
func (e *Endpoint) Subscribe(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h = h
}

func (e *Endpoint) handler() transport.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	return e.h
}

func (e *Endpoint) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.h = nil
}

// Close detaches the endpoint. Envelopes addressed to it are dropped
// until the party joins again.
func (e *Endpoint) Close() error {
	e.detach()
	return nil
}
