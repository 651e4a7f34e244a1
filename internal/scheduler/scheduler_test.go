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

package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/backoff"
	"github.com/tombee/ledgerflow/internal/checkpoint"
	"github.com/tombee/ledgerflow/internal/flow"
	lflog "github.com/tombee/ledgerflow/internal/log"
	"github.com/tombee/ledgerflow/internal/scheduler"
	"github.com/tombee/ledgerflow/internal/session"
	"github.com/tombee/ledgerflow/internal/transport/memory"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

const waitFor = 10 * time.Second

// sink records side effects outside any checkpoint.
type sink struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *sink) bump(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	s.counts[id]++
	return s.counts[id]
}

func (s *sink) get(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id]
}

// counterFlow performs one side effect per step and sleeps in between.
type counterFlow struct {
	Steps int           `json:"steps"`
	Delay time.Duration `json:"delay"`
	Seen  []int         `json:"seen"`
	sink  *sink
}

func (c *counterFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	n, err := flow.SideEffect(fc, func() (int, error) { return c.sink.bump(fc.FlowID()), nil })
	if err != nil {
		return nil, err
	}
	c.Seen = append(c.Seen, n)
	if len(c.Seen) >= c.Steps {
		return fc.Complete(c.Seen)
	}
	return fc.Sleep(c.Delay)
}

// streamFlow sends a count followed by that many numbers on one session
// and completes with what the responder echoes back.
type streamFlow struct {
	Peer  string `json:"peer"`
	Count int    `json:"count"`
	Stage int    `json:"stage"`
	SID   string `json:"sid"`
}

func (f *streamFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	if f.Stage == 0 {
		sid, err := fc.InitiateSession(f.Peer)
		if err != nil {
			return nil, err
		}
		f.SID, f.Stage = sid, 1
		if err := fc.Send(sid, f.Count); err != nil {
			return nil, err
		}
		for i := 1; i <= f.Count; i++ {
			if err := fc.Send(sid, i); err != nil {
				return nil, err
			}
		}
		return fc.Receive(sid), nil
	}
	var got []int
	if err := fc.Message(&got); err != nil {
		return nil, err
	}
	return fc.Complete(got)
}

// collectFlow answers streamFlow.
type collectFlow struct {
	Want  int   `json:"want"`
	Got   []int `json:"got"`
	Stage int   `json:"stage"`
}

func (f *collectFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	sid := fc.InitiatingSession()
	switch f.Stage {
	case 0:
		f.Stage = 1
		return fc.Receive(sid), nil
	case 1:
		if err := fc.Message(&f.Want); err != nil {
			return nil, err
		}
		f.Stage = 2
		return fc.Receive(sid), nil
	default:
		var n int
		if err := fc.Message(&n); err != nil {
			return nil, err
		}
		f.Got = append(f.Got, n)
		if len(f.Got) < f.Want {
			return fc.Receive(sid), nil
		}
		if err := fc.Send(sid, f.Got); err != nil {
			return nil, err
		}
		return fc.Complete(len(f.Got))
	}
}

// waitFlow opens a session and waits for a reply that never comes.
type waitFlow struct {
	Peer  string `json:"peer"`
	Stage int    `json:"stage"`
}

func (f *waitFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	if f.Stage == 0 {
		sid, err := fc.InitiateSession(f.Peer)
		if err != nil {
			return nil, err
		}
		f.Stage = 1
		return fc.SendAndReceive(sid, "hello")
	}
	var reply string
	if err := fc.Message(&reply); err != nil {
		return nil, err
	}
	return fc.Complete(reply)
}

// silentFlow receives the first message and then waits forever.
type silentFlow struct {
	Stage int `json:"stage"`
}

func (f *silentFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	sid := fc.InitiatingSession()
	f.Stage++
	if f.Stage > 1 {
		var s string
		if err := fc.Message(&s); err != nil {
			return nil, err
		}
	}
	return fc.Receive(sid), nil
}

// askFlow asks one question and idles before completing.
type askFlow struct {
	Peer  string        `json:"peer"`
	Idle  time.Duration `json:"idle"`
	Stage int           `json:"stage"`
	Reply string        `json:"reply"`
}

func (f *askFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	switch f.Stage {
	case 0:
		sid, err := fc.InitiateSession(f.Peer)
		if err != nil {
			return nil, err
		}
		f.Stage = 1
		return fc.SendAndReceive(sid, "ping")
	case 1:
		if err := fc.Message(&f.Reply); err != nil {
			return nil, err
		}
		f.Stage = 2
		return fc.Sleep(f.Idle)
	default:
		return fc.Complete(f.Reply)
	}
}

// answerFlow replies once and completes.
type answerFlow struct {
	Stage int `json:"stage"`
}

func (f *answerFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	sid := fc.InitiatingSession()
	if f.Stage == 0 {
		f.Stage = 1
		return fc.Receive(sid), nil
	}
	var q string
	if err := fc.Message(&q); err != nil {
		return nil, err
	}
	if err := fc.Send(sid, q+"/pong"); err != nil {
		return nil, err
	}
	return fc.Complete(q)
}

type asyncFlow struct {
	N     int `json:"n"`
	Stage int `json:"stage"`
}

func (f *asyncFlow) Step(fc *flow.Context) (flow.Suspension, error) {
	if f.Stage == 0 {
		f.Stage = 1
		return fc.Await("square", f.N)
	}
	var out int
	if err := fc.AsyncResult(&out); err != nil {
		return nil, err
	}
	return fc.Complete(out)
}

func registry(s *sink) *flow.Registry {
	reg := flow.NewRegistry()
	reg.MustRegister(flow.Definition{Name: "counter", New: func() flow.Logic { return &counterFlow{sink: s} }})
	reg.MustRegister(flow.Definition{Name: "stream", New: func() flow.Logic { return &streamFlow{} }})
	reg.MustRegister(flow.Definition{Name: "wait", New: func() flow.Logic { return &waitFlow{} }})
	reg.MustRegister(flow.Definition{Name: "async", New: func() flow.Logic { return &asyncFlow{} }})
	reg.MustRegister(flow.Definition{Name: "ask", New: func() flow.Logic { return &askFlow{} }})
	if err := reg.RegisterResponder("stream", flow.Definition{Name: "collect", New: func() flow.Logic { return &collectFlow{} }}); err != nil {
		panic(err)
	}
	if err := reg.RegisterResponder("wait", flow.Definition{Name: "silent", New: func() flow.Logic { return &silentFlow{} }}); err != nil {
		panic(err)
	}
	if err := reg.RegisterResponder("ask", flow.Definition{Name: "answer", New: func() flow.Logic { return &answerFlow{} }}); err != nil {
		panic(err)
	}
	return reg
}

type node struct {
	sched *scheduler.Scheduler
	store checkpoint.Store
	sink  *sink
}

func newNode(t *testing.T, net *memory.Network, party string, store checkpoint.Store, tweak ...func(*scheduler.Config)) *node {
	t.Helper()
	return newNodeWithSink(t, net, party, store, &sink{}, tweak...)
}

func newNodeWithSink(t *testing.T, net *memory.Network, party string, store checkpoint.Store, s *sink, tweak ...func(*scheduler.Config)) *node {
	t.Helper()
	n := &node{store: store, sink: s}
	if n.store == nil {
		n.store = checkpoint.NewMemoryStore()
	}
	cfg := scheduler.Config{
		Registry:           registry(n.sink),
		Store:              n.store,
		Transport:          net.Join(party),
		MaxWorkers:         4,
		Backoff:            backoff.Constant{Interval: 5 * time.Millisecond},
		HospitalBackoff:    backoff.Constant{Interval: time.Hour},
		RedeliveryInterval: 20 * time.Millisecond,
		Logger:             lflog.Discard(),
	}
	for _, f := range tweak {
		f(&cfg)
	}
	sched, err := scheduler.New(cfg)
	require.NoError(t, err)
	_, err = sched.RecoverAll(context.Background())
	require.NoError(t, err)
	sched.Start(context.Background())
	t.Cleanup(func() { sched.Stop(context.Background()) })
	n.sched = sched
	return n
}

func result(t *testing.T, n *node, id string) ([]byte, error) {
	t.Helper()
	h, err := n.sched.Handle(id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return h.Result(ctx)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)

	h, err := alice.sched.Submit(context.Background(), "counter", []byte(`{"steps":3,"delay":1000000}`))
	require.NoError(t, err)
	out, err := result(t, alice, h.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(out))

	assert.Empty(t, alice.sched.DumpCheckpoints())
	cps, err := alice.store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestSubmitUnknownFlow(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)
	_, err := alice.sched.Submit(context.Background(), "nope", nil)
	var nf *lferrors.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestResultHonoursCallerDeadline(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)
	h, err := alice.sched.Submit(context.Background(), "counter", []byte(`{"steps":2,"delay":3600000000000}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Result(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	dump := alice.sched.DumpCheckpoints()
	require.Len(t, dump, 1, "the flow keeps waiting on its timer")
	assert.Equal(t, flow.StatusSuspended, dump[0].Status)
	assert.Equal(t, "counter", dump[0].Name)
}

// Messages arrive in send order even when the network duplicates, drops
// and reorders them.
func TestSessionFIFOUnderFaults(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{Duplicate: 0.3, Drop: 0.2, MaxDelay: 3 * time.Millisecond, Seed: 42})
	alice := newNode(t, net, "alice", nil)
	newNode(t, net, "bob", nil)

	h, err := alice.sched.Submit(context.Background(), "stream", []byte(`{"peer":"bob","count":25}`))
	require.NoError(t, err)
	out, err := result(t, alice, h.ID)
	require.NoError(t, err)

	want := make([]int, 25)
	for i := range want {
		want[i] = i + 1
	}
	var got []int
	require.NoError(t, jsonUnmarshal(out, &got))
	assert.Equal(t, want, got)
}

func TestUnknownResponderFailsInitiator(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)
	newNode(t, net, "bob", nil, func(c *scheduler.Config) { c.Registry = flow.NewRegistry() })

	h, err := alice.sched.Submit(context.Background(), "wait", []byte(`{"peer":"bob"}`))
	require.NoError(t, err)
	_, err = result(t, alice, h.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), session.CodeUnknownFlow)
}

func TestUnreachablePartyFailsInitiator(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)

	h, err := alice.sched.Submit(context.Background(), "wait", []byte(`{"peer":"nobody"}`))
	require.NoError(t, err)
	_, err = result(t, alice, h.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), session.CodeUnreachable)
}

func TestKillNotifiesCounterparty(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)
	bob := newNode(t, net, "bob", nil)

	changes, unsubscribe := bob.sched.Subscribe(16)
	defer unsubscribe()

	h, err := alice.sched.Submit(context.Background(), "wait", []byte(`{"peer":"bob"}`))
	require.NoError(t, err)

	var responder string
	require.Eventually(t, func() bool {
		for _, info := range bob.sched.DumpCheckpoints() {
			if info.Name == "silent" && info.Status == flow.StatusSuspended {
				responder = info.ID
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.sched.Kill(context.Background(), h.ID, "operator says stop"))
	_, err = result(t, alice, h.ID)
	assert.ErrorContains(t, err, "operator says stop")

	_, err = result(t, bob, responder)
	var serr *session.Error
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, session.CodeKilled, serr.Code)

	sawFailed := false
	for len(changes) > 0 {
		if c := <-changes; c.FlowID == responder && c.Status == flow.StatusFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)

	// alice's actor goes away once bob has acknowledged the error
	require.Eventually(t, func() bool {
		var nf *lferrors.NotFoundError
		return errors.As(alice.sched.Kill(context.Background(), h.ID, ""), &nf)
	}, waitFor, 5*time.Millisecond)
	cps, err := alice.store.All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestKillRedeliversErrorAfterPartition(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)
	bob := newNode(t, net, "bob", nil)

	h, err := alice.sched.Submit(ctx, "wait", []byte(`{"peer":"bob"}`))
	require.NoError(t, err)
	var responder string
	require.Eventually(t, func() bool {
		for _, info := range bob.sched.DumpCheckpoints() {
			if info.Name == "silent" && info.Status == flow.StatusSuspended {
				responder = info.ID
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	net.Partition("alice", "bob")
	require.NoError(t, bob.sched.Kill(ctx, responder, "cut off"))
	_, err = result(t, bob, responder)
	assert.ErrorContains(t, err, "cut off")

	cps, err := bob.store.All(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 1, "the killed frame is kept until alice acknowledges it")
	assert.Equal(t, checkpoint.Status(flow.StatusFailed), cps[0].Status)

	var verr *lferrors.ValidationError
	assert.True(t, errors.As(bob.sched.Kill(ctx, responder, ""), &verr))

	net.Heal("alice", "bob")
	_, err = result(t, alice, h.ID)
	var serr *session.Error
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, session.CodeKilled, serr.Code)

	require.Eventually(t, func() bool {
		cps, err := bob.store.All(ctx)
		return err == nil && len(cps) == 0
	}, waitFor, 5*time.Millisecond)
}

// The responder finishes and loses its record of the session before the
// initiator closes it; the initiator's end must still be acknowledged.
func TestInitiatorClosesAfterResponderExpiresSession(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)
	bob := newNode(t, net, "bob", nil, func(c *scheduler.Config) { c.RetainFinished = time.Millisecond })

	h, err := alice.sched.Submit(ctx, "ask", []byte(`{"peer":"bob","idle":300000000}`))
	require.NoError(t, err)
	out, err := result(t, alice, h.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"ping/pong"`, string(out))

	require.Eventually(t, func() bool {
		cps, err := alice.store.All(ctx)
		return err == nil && len(cps) == 0
	}, waitFor, 5*time.Millisecond)
	cps, err := bob.store.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestInitiatorClosesAfterResponderRestart(t *testing.T) {
	ctx := context.Background()
	net := memory.NewNetwork(memory.Faults{})
	bobStore := checkpoint.NewMemoryStore()
	alice := newNode(t, net, "alice", nil)
	bob := newNode(t, net, "bob", bobStore)
	changes, unsubscribe := bob.sched.Subscribe(16)
	defer unsubscribe()

	h, err := alice.sched.Submit(ctx, "ask", []byte(`{"peer":"bob","idle":500000000}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-changes:
				if c.Status == flow.StatusCompleted {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		cps, err := bobStore.All(ctx)
		return err == nil && len(cps) == 0
	}, waitFor, time.Millisecond)

	// a fresh bob has no memory of the finished session
	require.NoError(t, bob.sched.Stop(ctx))
	newNode(t, net, "bob", bobStore)

	_, err = result(t, alice, h.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cps, err := alice.store.All(ctx)
		return err == nil && len(cps) == 0
	}, waitFor, 5*time.Millisecond)
}

func TestAsyncOperation(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", nil)

	var calls int
	var mu sync.Mutex
	alice.sched.RegisterOperation("square", func(ctx context.Context, input []byte) ([]byte, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil, lferrors.Transient("square", errors.New("busy"))
		}
		var n int
		if err := jsonUnmarshal(input, &n); err != nil {
			return nil, err
		}
		return jsonMarshal(n * n)
	})

	h, err := alice.sched.Submit(context.Background(), "async", []byte(`{"n":7}`))
	require.NoError(t, err)
	out, err := result(t, alice, h.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `49`, string(out))
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

// flakyStore fails saves while down is set.
type flakyStore struct {
	checkpoint.Store
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) setDown(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = v
}

func (f *flakyStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("disk unavailable")
	}
	return f.Store.Save(ctx, cp)
}

func TestHospitalAndRetry(t *testing.T) {
	net := memory.NewNetwork(memory.Faults{})
	store := &flakyStore{Store: checkpoint.NewMemoryStore()}
	alice := newNode(t, net, "alice", store, func(c *scheduler.Config) { c.MaxRetries = 2 })

	h, err := alice.sched.Submit(context.Background(), "counter", []byte(`{"steps":3,"delay":30000000}`))
	require.NoError(t, err)
	store.setDown(true)

	require.Eventually(t, func() bool {
		dump := alice.sched.DumpCheckpoints()
		return len(dump) == 1 && dump[0].Status == flow.StatusHospitalized
	}, waitFor, 5*time.Millisecond)
	dump := alice.sched.DumpCheckpoints()
	assert.Contains(t, dump[0].Hospital, "disk unavailable")
	assert.Equal(t, 1, dump[0].Admissions)

	store.setDown(false)
	require.NoError(t, alice.sched.Retry(context.Background(), h.ID))
	out, err := result(t, alice, h.ID)
	require.NoError(t, err)
	var seen []int
	require.NoError(t, jsonUnmarshal(out, &seen))
	assert.Len(t, seen, 3)

	var verr *lferrors.ValidationError
	h2, err := alice.sched.Submit(context.Background(), "counter", []byte(`{"steps":2,"delay":3600000000000}`))
	require.NoError(t, err)
	err = alice.sched.Retry(context.Background(), h2.ID)
	assert.True(t, errors.As(err, &verr), "only hospitalized flows can be retried")
}

func TestCorruptCheckpointIsHospitalized(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &checkpoint.Checkpoint{
		FlowID: "0b6e1d36-7f39-4bd4-9d5c-3f4c1c4a9d01", FlowName: "counter", Codec: "json",
		Status: checkpoint.StatusSuspended, Frame: []byte("not json"),
	}))
	net := memory.NewNetwork(memory.Faults{})
	alice := newNode(t, net, "alice", store)

	dump := alice.sched.DumpCheckpoints()
	require.Len(t, dump, 1)
	assert.Equal(t, flow.StatusHospitalized, dump[0].Status)
	assert.Contains(t, dump[0].Hospital, "corrupt")

	assert.Error(t, alice.sched.Retry(context.Background(), dump[0].ID))
	require.NoError(t, alice.sched.Kill(context.Background(), dump[0].ID, "unrecoverable"))
	assert.Empty(t, alice.sched.DumpCheckpoints())
	cp, err := store.Load(context.Background(), dump[0].ID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}
