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

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ledgerflow/internal/session"
	"github.com/tombee/ledgerflow/internal/transport"
)

type inbox struct {
	mu  sync.Mutex
	got []session.Envelope
}

func (i *inbox) handle(_ context.Context, env session.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, env)
}

func (i *inbox) seqs() []uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]uint64, len(i.got))
	for n, env := range i.got {
		out[n] = env.Seq
	}
	return out
}

func TestSendDelivers(t *testing.T) {
	net := NewNetwork(Faults{})
	alice, bob := net.Join("alice"), net.Join("bob")
	var box inbox
	bob.Subscribe(box.handle)

	require.NoError(t, alice.Send(context.Background(), session.Envelope{To: "bob", From: "mallory", Seq: 1, Payload: []byte("hi")}))
	net.Flush()

	require.Len(t, box.got, 1)
	assert.Equal(t, "alice", box.got[0].From, "sender is stamped by the network")
	assert.Equal(t, []byte("hi"), box.got[0].Payload)
	assert.Equal(t, 1, net.Delivered())
}

func TestUnknownParty(t *testing.T) {
	net := NewNetwork(Faults{})
	alice := net.Join("alice")
	err := alice.Send(context.Background(), session.Envelope{To: "nobody"})
	assert.True(t, errors.Is(err, transport.ErrUnknownParty))
}

func TestPartitionAndHeal(t *testing.T) {
	net := NewNetwork(Faults{})
	alice, bob := net.Join("alice"), net.Join("bob")
	var box inbox
	bob.Subscribe(box.handle)

	net.Partition("bob", "alice")
	require.NoError(t, alice.Send(context.Background(), session.Envelope{To: "bob", Seq: 1}))
	net.Flush()
	assert.Empty(t, box.seqs())

	net.Heal("alice", "bob")
	require.NoError(t, alice.Send(context.Background(), session.Envelope{To: "bob", Seq: 2}))
	net.Flush()
	assert.Equal(t, []uint64{2}, box.seqs())
}

func TestDuplicateAndDelay(t *testing.T) {
	net := NewNetwork(Faults{Duplicate: 1, MaxDelay: 5 * time.Millisecond, Seed: 7})
	alice, bob := net.Join("alice"), net.Join("bob")
	var box inbox
	bob.Subscribe(box.handle)

	for seq := uint64(1); seq <= 20; seq++ {
		require.NoError(t, alice.Send(context.Background(), session.Envelope{To: "bob", Seq: seq}))
	}
	net.Flush()
	assert.Len(t, box.seqs(), 40)
}

func TestClosedEndpoint(t *testing.T) {
	net := NewNetwork(Faults{})
	alice, bob := net.Join("alice"), net.Join("bob")
	var box inbox
	bob.Subscribe(box.handle)
	require.NoError(t, bob.Close())

	require.NoError(t, alice.Send(context.Background(), session.Envelope{To: "bob", Seq: 1}))
	net.Flush()
	assert.Empty(t, box.seqs(), "a crashed party receives nothing")
	assert.ErrorIs(t, bob.Send(context.Background(), session.Envelope{To: "alice"}), transport.ErrClosed)

	restarted := net.Join("bob")
	var box2 inbox
	restarted.Subscribe(box2.handle)
	require.NoError(t, alice.Send(context.Background(), session.Envelope{To: "bob", Seq: 1}))
	net.Flush()
	assert.Equal(t, []uint64{1}, box2.seqs())
}
