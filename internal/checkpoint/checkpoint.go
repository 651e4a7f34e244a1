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

// Package checkpoint persists the state of suspended flows so they can be
// resumed after a restart.
package checkpoint

import (
	"context"
	"io"
	"time"
)

// Status mirrors the lifecycle state of the flow at the time of the save.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusSuspended    Status = "SUSPENDED"
	StatusHospitalized Status = "HOSPITALIZED"
)

// Checkpoint is a resumable snapshot of one flow. There is at most one per
// flow; each save replaces the previous one.
type Checkpoint struct {
	// FlowID is the flow instance identifier.
	FlowID string `json:"flow_id"`

	// FlowName is the registered definition name used to rebuild the logic.
	FlowName string `json:"flow_name"`

	// FlowVersion is the definition version that produced Frame.
	FlowVersion string `json:"flow_version"`

	// Status is the flow status when the checkpoint was taken.
	Status Status `json:"status"`

	// Awaiting describes the event the flow is parked on, for operators.
	Awaiting string `json:"awaiting"`

	// Codec names the codec Frame is encoded with.
	Codec string `json:"codec"`

	// Frame is the encoded engine frame (logic state, sessions, journal).
	Frame []byte `json:"frame"`

	// Revision increases by one on every save of the same flow.
	Revision int64 `json:"revision"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Frame = append([]byte(nil), c.Frame...)
	return &out
}

// Store is durable checkpoint storage keyed by flow id.
//
// Save must be atomic with respect to a crash: after a restart either the
// previous or the new checkpoint is visible, never a partial one. Load
// returns (nil, nil) when no checkpoint exists.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, flowID string) (*Checkpoint, error)
	Delete(ctx context.Context, flowID string) error
	All(ctx context.Context) ([]*Checkpoint, error)
}

// ClosableStore is a Store that holds resources.
type ClosableStore interface {
	Store
	io.Closer
}
