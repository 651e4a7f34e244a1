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

// Package transport moves session envelopes between parties. Delivery is
// at-least-once and unordered; the session layer restores order and drops
// duplicates.
package transport

import (
	"context"
	"errors"

	"github.com/tombee/ledgerflow/internal/session"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrUnknownParty is returned when the destination party is not on
	// the network.
	ErrUnknownParty = errors.New("transport: unknown party")
)

// Handler receives inbound envelopes. It may be called concurrently.
type Handler func(ctx context.Context, env session.Envelope)

// Transport is one party's connection to the network.
type Transport interface {
	// Party returns the local party name.
	Party() string

	// Send hands env to the network. A nil error means the envelope was
	// accepted for delivery, not that it arrived.
	Send(ctx context.Context, env session.Envelope) error

	// Subscribe installs the inbound handler. Envelopes arriving before a
	// handler is installed are dropped; senders redeliver them.
	Subscribe(h Handler)

	Close() error
}
