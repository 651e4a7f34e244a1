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
	"sort"
)

// Accepted reports what State.Accept did with an inbound envelope.
type Accepted int

const (
	// Duplicate envelopes were already delivered and are dropped.
	Duplicate Accepted = iota
	// Buffered envelopes arrived ahead of a gap and are held back.
	Buffered
	// Delivered envelopes (and any buffered successors) joined the
	// in-order queue.
	Delivered
	// AckOnly envelopes carried no content.
	AckOnly
)

// State is one end of a session. It is owned by a single flow instance and
// persisted inside that flow's checkpoint, so every field is exported for
// the codec.
type State struct {
	ID           string `json:"id"`
	Counterparty string `json:"counterparty"`
	Initiator    bool   `json:"initiator"`

	// FlowName is the initiating flow, announced by the init envelope.
	FlowName string `json:"flow_name,omitempty"`

	// SendSeq is the last sequence number assigned to an outbound envelope.
	SendSeq uint64 `json:"send_seq"`
	// RecvSeq is the highest inbound sequence number delivered in order.
	RecvSeq uint64 `json:"recv_seq"`
	// AckedSeq is the highest RecvSeq already acknowledged to the peer.
	AckedSeq uint64 `json:"acked_seq"`

	// Ready holds in-order envelopes not yet consumed by a receive.
	Ready []Envelope `json:"ready,omitempty"`
	// Early holds envelopes that arrived ahead of a gap, sorted by Seq.
	Early []Envelope `json:"early,omitempty"`
	// Unacked holds outbound envelopes the peer has not acknowledged.
	Unacked []Envelope `json:"unacked,omitempty"`

	// LocalClosed is set once this end has sent end or error.
	LocalClosed bool `json:"local_closed,omitempty"`
	// Drained is set once a terminal envelope has been consumed.
	Drained bool `json:"drained,omitempty"`
}

// NewInitiator creates the initiating end of a session.
func NewInitiator(id, counterparty, flowName string) *State {
	return &State{ID: id, Counterparty: counterparty, Initiator: true, FlowName: flowName}
}

// NewResponder creates the responding end of a session opened by init.
func NewResponder(init Envelope) *State {
	return &State{ID: init.SessionID, Counterparty: init.From, FlowName: init.FlowName}
}

// Opened reports whether the peer knows about the session.
func (s *State) Opened() bool {
	return !s.Initiator || s.SendSeq > 0
}

// Outbound assigns the next sequence number to a new envelope and tracks it
// until acknowledged. The first envelope an initiator sends becomes the
// init envelope. Sending on a locally closed session returns ErrClosed.
func (s *State) Outbound(kind Kind, payload []byte, serr *Error) (Envelope, error) {
	if s.LocalClosed {
		return Envelope{}, ErrClosed
	}

	if s.Initiator && s.SendSeq == 0 && kind != KindData {
		s.Open()
	}

	s.SendSeq++
	env := Envelope{
		SessionID: s.ID,
		To:        s.Counterparty,
		Kind:      kind,
		Seq:       s.SendSeq,
		AckSeq:    s.RecvSeq,
		Payload:   payload,
		Error:     serr,
	}
	if s.Initiator && env.Seq == 1 {
		env.Kind = KindInit
		env.FlowName = s.FlowName
	}
	if kind == KindEnd || kind == KindError {
		s.LocalClosed = true
	}
	s.AckedSeq = s.RecvSeq
	s.Unacked = append(s.Unacked, env)
	return env, nil
}

// Open makes sure the peer has been told about the session, returning the
// init envelope if one had to be created.
func (s *State) Open() (Envelope, bool) {
	if s.Opened() || s.LocalClosed {
		return Envelope{}, false
	}
	s.SendSeq++
	env := Envelope{
		SessionID: s.ID,
		To:        s.Counterparty,
		Kind:      KindInit,
		Seq:       s.SendSeq,
		FlowName:  s.FlowName,
	}
	s.Unacked = append(s.Unacked, env)
	return env, true
}

// Accept applies an inbound envelope. Envelopes are delivered to the ready
// queue strictly in sequence order; duplicates are dropped and early
// arrivals are held until the gap before them fills.
func (s *State) Accept(env Envelope) Accepted {
	s.HandleAck(env.AckSeq)
	if env.Kind == KindAck {
		return AckOnly
	}
	if env.Seq <= s.RecvSeq {
		// the peer resent, so it missed our ack
		if s.AckedSeq >= env.Seq {
			s.AckedSeq = env.Seq - 1
		}
		return Duplicate
	}
	if env.Seq > s.RecvSeq+1 {
		i := sort.Search(len(s.Early), func(i int) bool { return s.Early[i].Seq >= env.Seq })
		if i < len(s.Early) && s.Early[i].Seq == env.Seq {
			return Duplicate
		}
		s.Early = append(s.Early, Envelope{})
		copy(s.Early[i+1:], s.Early[i:])
		s.Early[i] = env
		return Buffered
	}

	s.deliver(env)
	for len(s.Early) > 0 && s.Early[0].Seq <= s.RecvSeq+1 {
		next := s.Early[0]
		s.Early = s.Early[1:]
		if next.Seq == s.RecvSeq+1 {
			s.deliver(next)
		}
	}
	if len(s.Early) == 0 {
		s.Early = nil
	}
	return Delivered
}

func (s *State) deliver(env Envelope) {
	s.RecvSeq = env.Seq
	switch env.Kind {
	case KindInit:
		if len(env.Payload) > 0 {
			env.Kind = KindData
			s.Ready = append(s.Ready, env)
		}
	case KindData, KindEnd, KindError:
		s.Ready = append(s.Ready, env)
	}
}

// HandleAck drops outbound envelopes covered by a cumulative ack.
func (s *State) HandleAck(seq uint64) {
	if seq == 0 || len(s.Unacked) == 0 {
		return
	}
	kept := s.Unacked[:0]
	for _, env := range s.Unacked {
		if env.Seq > seq {
			kept = append(kept, env)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	s.Unacked = kept
}

// Fail injects a local terminal error, for example when the counterparty
// cannot be reached. It is delivered after any payloads already queued.
func (s *State) Fail(serr *Error) {
	if s.Drained || s.hasTerminal() {
		return
	}
	s.Ready = append(s.Ready, Envelope{SessionID: s.ID, From: s.Counterparty, Kind: KindError, Error: serr})
	s.Unacked = nil
}

func (s *State) hasTerminal() bool {
	for _, env := range s.Ready {
		if env.Kind == KindEnd || env.Kind == KindError {
			return true
		}
	}
	return false
}

// CanReceive reports whether a receive would complete now.
func (s *State) CanReceive() bool {
	return len(s.Ready) > 0 || s.Drained
}

// Receive consumes the next in-order envelope; ok is false when nothing is
// ready. A terminal error is returned to exactly one receive; every later
// receive gets ErrClosed, as does a receive after a normal end.
func (s *State) Receive() (payload []byte, ok bool, err error) {
	if len(s.Ready) == 0 {
		if s.Drained {
			return nil, true, ErrClosed
		}
		return nil, false, nil
	}
	env := s.Ready[0]
	s.Ready = s.Ready[1:]
	if len(s.Ready) == 0 {
		s.Ready = nil
	}
	switch env.Kind {
	case KindEnd:
		s.Drained = true
		return nil, true, ErrClosed
	case KindError:
		s.Drained = true
		if env.Error == nil {
			return nil, true, &Error{Code: CodeCounterpartyFailed, Message: "session errored"}
		}
		return nil, true, env.Error
	default:
		return env.Payload, true, nil
	}
}

// NeedsAck reports whether inbound envelopes have been delivered since the
// last acknowledgement.
func (s *State) NeedsAck() bool {
	return s.RecvSeq > s.AckedSeq
}

// Ack builds a standalone ack envelope and records it as sent.
func (s *State) Ack() Envelope {
	s.AckedSeq = s.RecvSeq
	return Envelope{SessionID: s.ID, To: s.Counterparty, Kind: KindAck, AckSeq: s.RecvSeq}
}

// Finished reports whether both directions are closed and nothing awaits
// acknowledgement.
func (s *State) Finished() bool {
	return s.LocalClosed && len(s.Unacked) == 0
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := *s
	out.Ready = cloneEnvelopes(s.Ready)
	out.Early = cloneEnvelopes(s.Early)
	out.Unacked = cloneEnvelopes(s.Unacked)
	return &out
}

func cloneEnvelopes(in []Envelope) []Envelope {
	if in == nil {
		return nil
	}
	out := make([]Envelope, len(in))
	for i, env := range in {
		env.Payload = append([]byte(nil), env.Payload...)
		if env.Error != nil {
			e := *env.Error
			env.Error = &e
		}
		out[i] = env
	}
	return out
}
