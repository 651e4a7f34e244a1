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

package session

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAlice() *State {
	return NewInitiator("s-1", "bob", "ping")
}

func send(t *testing.T, s *State, payload string) Envelope {
	t.Helper()
	env, err := s.Outbound(KindData, []byte(payload), nil)
	require.NoError(t, err)
	env.From = "alice"
	return env
}

func TestFirstSendIsInit(t *testing.T) {
	a := newAlice()
	env := send(t, a, "m1")
	assert.Equal(t, KindInit, env.Kind)
	assert.Equal(t, "ping", env.FlowName)
	assert.Equal(t, uint64(1), env.Seq)

	b := NewResponder(env)
	assert.Equal(t, "alice", b.Counterparty)
	assert.Equal(t, Delivered, b.Accept(env))

	payload, ok, err := b.Receive()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "m1", string(payload))
}

func TestOpenWithoutPayload(t *testing.T) {
	a := newAlice()
	init, created := a.Open()
	require.True(t, created)
	_, created = a.Open()
	assert.False(t, created, "open is idempotent")

	b := NewResponder(init)
	b.Accept(init)
	assert.False(t, b.CanReceive(), "payload-less init delivers nothing")
	assert.True(t, b.NeedsAck())
}

func TestFIFOUnderReorderingAndDuplication(t *testing.T) {
	a := newAlice()
	var sent []Envelope
	for i := 1; i <= 3; i++ {
		sent = append(sent, send(t, a, fmt.Sprintf("m%d", i)))
	}

	b := NewResponder(sent[0])
	arrivals := []Envelope{sent[2], sent[1], sent[2], sent[0], sent[1], sent[0]}
	for _, env := range arrivals {
		b.Accept(env)
	}

	var got []string
	for b.CanReceive() {
		payload, _, err := b.Receive()
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)
	assert.Empty(t, b.Early)
}

func TestAcceptResults(t *testing.T) {
	a := newAlice()
	m1, m2, m3 := send(t, a, "1"), send(t, a, "2"), send(t, a, "3")
	b := NewResponder(m1)

	assert.Equal(t, Buffered, b.Accept(m3))
	assert.Equal(t, Duplicate, b.Accept(m3))
	assert.Equal(t, Delivered, b.Accept(m1))
	assert.Equal(t, Duplicate, b.Accept(m1))
	assert.Equal(t, Delivered, b.Accept(m2))
	assert.Equal(t, uint64(3), b.RecvSeq)
	assert.Equal(t, AckOnly, b.Accept(Envelope{SessionID: "s-1", Kind: KindAck, AckSeq: 1}))
}

func TestCumulativeAcks(t *testing.T) {
	a := newAlice()
	m1 := send(t, a, "1")
	m2 := send(t, a, "2")
	m3 := send(t, a, "3")
	require.Len(t, a.Unacked, 3)

	b := NewResponder(m1)
	b.Accept(m1)
	ack := b.Ack()
	assert.Equal(t, uint64(1), ack.AckSeq)
	assert.False(t, b.NeedsAck())

	b.Accept(m1)
	assert.True(t, b.NeedsAck(), "a resend means the ack was lost")
	assert.Equal(t, uint64(1), b.Ack().AckSeq)

	a.Accept(ack)
	require.Len(t, a.Unacked, 2)
	assert.Equal(t, uint64(2), a.Unacked[0].Seq)

	// piggybacked acks work too
	b.Accept(m2)
	b.Accept(m3)
	reply, err := b.Outbound(KindData, []byte("r"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reply.AckSeq)
	a.Accept(reply)
	assert.Empty(t, a.Unacked)
}

func TestErrorDeliveredOnce(t *testing.T) {
	a := newAlice()
	m1 := send(t, a, "1")
	failure, err := a.Outbound(KindError, nil, &Error{Code: CodeCounterpartyFailed, Message: "boom"})
	require.NoError(t, err)

	b := NewResponder(m1)
	b.Accept(failure)
	b.Accept(m1)

	payload, _, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "1", string(payload))

	_, ok, err := b.Receive()
	require.True(t, ok)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, CodeCounterpartyFailed, serr.Code)

	_, ok, err = b.Receive()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEndAndLocalClose(t *testing.T) {
	a := newAlice()
	m1 := send(t, a, "1")
	end, err := a.Outbound(KindEnd, nil, nil)
	require.NoError(t, err)
	assert.True(t, a.LocalClosed)

	_, err = a.Outbound(KindData, []byte("late"), nil)
	assert.ErrorIs(t, err, ErrClosed)

	b := NewResponder(m1)
	b.Accept(m1)
	b.Accept(end)
	b.Receive()
	_, _, err = b.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseBeforeAnySendOpensFirst(t *testing.T) {
	a := newAlice()
	env, err := a.Outbound(KindEnd, nil, nil)
	require.NoError(t, err)
	require.Len(t, a.Unacked, 2)
	assert.Equal(t, KindInit, a.Unacked[0].Kind)
	assert.Equal(t, KindEnd, env.Kind)
	assert.Equal(t, uint64(2), env.Seq)
}

func TestLocalFailQueuesAfterPayloads(t *testing.T) {
	a := newAlice()
	m1 := send(t, a, "1")
	b := NewResponder(m1)
	b.Accept(m1)
	b.Fail(&Error{Code: CodeUnreachable, Message: "gone"})
	b.Fail(&Error{Code: CodeUnreachable, Message: "twice"})

	payload, _, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "1", string(payload))
	_, _, err = b.Receive()
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "gone", serr.Message)
}

func TestCloneIsDeep(t *testing.T) {
	a := newAlice()
	send(t, a, "1")
	c := a.Clone()
	c.Unacked[0].Payload[0] = 'x'
	assert.Equal(t, "1", string(a.Unacked[0].Payload))
}

func TestFIFOProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delivery order equals send order under any retransmission", prop.ForAll(
		func(n int, seed int64) bool {
			a := NewInitiator("s", "bob", "ping")
			var sent []Envelope
			for i := 0; i < n; i++ {
				env, _ := a.Outbound(KindData, []byte(fmt.Sprintf("m%d", i)), nil)
				env.From = "alice"
				sent = append(sent, env)
			}

			rng := rand.New(rand.NewSource(seed))
			var arrivals []Envelope
			for _, env := range sent {
				copies := 1 + rng.Intn(3)
				for c := 0; c < copies; c++ {
					arrivals = append(arrivals, env)
				}
			}
			rng.Shuffle(len(arrivals), func(i, j int) { arrivals[i], arrivals[j] = arrivals[j], arrivals[i] })

			b := NewResponder(sent[0])
			for _, env := range arrivals {
				b.Accept(env)
			}
			for i := 0; i < n; i++ {
				payload, ok, err := b.Receive()
				if !ok || err != nil || string(payload) != fmt.Sprintf("m%d", i) {
					return false
				}
			}
			return !b.CanReceive()
		},
		gen.IntRange(1, 30),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
