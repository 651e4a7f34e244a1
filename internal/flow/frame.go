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

package flow

import (
	"sort"
	"time"

	"github.com/tombee/ledgerflow/internal/session"
)

// Status is the lifecycle state of a flow.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusSuspended    Status = "SUSPENDED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusHospitalized Status = "HOSPITALIZED"
)

// Terminal reports whether the flow will never step again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const maxHistory = 64

// Record is one entry in a flow's suspension history.
type Record struct {
	Step     int64     `json:"step"`
	Awaiting string    `json:"awaiting"`
	At       time.Time `json:"at"`
}

// Failure is the persisted form of a terminal error.
type Failure struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HospitalRecord explains why a flow is parked.
type HospitalRecord struct {
	Reason string    `json:"reason"`
	Class  string    `json:"class"`
	Since  time.Time `json:"since"`
}

// Frame is everything the engine persists for one flow. The logic's own
// state is the opaque State blob.
type Frame struct {
	FlowID      string `json:"flow_id"`
	FlowName    string `json:"flow_name"`
	FlowVersion string `json:"flow_version"`
	Status      Status `json:"status"`

	State    []byte   `json:"state"`
	Step     int64    `json:"step"`
	Awaiting Awaiting `json:"awaiting"`

	Sessions    map[string]*session.State `json:"sessions,omitempty"`
	InitSession string                    `json:"init_session,omitempty"`

	// Journal holds side-effect results recorded during the step in
	// progress, keyed by step and ordinal.
	Journal map[string][]byte `json:"journal,omitempty"`

	History  []Record        `json:"history,omitempty"`
	Result   []byte          `json:"result,omitempty"`
	Failure  *Failure        `json:"failure,omitempty"`
	Hospital *HospitalRecord `json:"hospital,omitempty"`

	// Admissions counts how often the flow has been hospitalized.
	Admissions int `json:"admissions,omitempty"`

	StartedAt time.Time `json:"started_at"`
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := *f
	out.State = append([]byte(nil), f.State...)
	out.Awaiting.Input = append([]byte(nil), f.Awaiting.Input...)
	if f.Sessions != nil {
		out.Sessions = make(map[string]*session.State, len(f.Sessions))
		for id, s := range f.Sessions {
			out.Sessions[id] = s.Clone()
		}
	}
	if f.Journal != nil {
		out.Journal = make(map[string][]byte, len(f.Journal))
		for k, v := range f.Journal {
			out.Journal[k] = v
		}
	}
	out.History = append([]Record(nil), f.History...)
	out.Result = append([]byte(nil), f.Result...)
	if f.Failure != nil {
		fl := *f.Failure
		out.Failure = &fl
	}
	if f.Hospital != nil {
		h := *f.Hospital
		out.Hospital = &h
	}
	return &out
}

// SessionIDs returns the flow's session ids in sorted order.
func (f *Frame) SessionIDs() []string {
	ids := make([]string, 0, len(f.Sessions))
	for id := range f.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Frame) record(now time.Time) {
	f.History = append(f.History, Record{Step: f.Step, Awaiting: f.Awaiting.String(), At: now})
	if len(f.History) > maxHistory {
		f.History = append([]Record(nil), f.History[len(f.History)-maxHistory:]...)
	}
}

func (f *Frame) unacked() bool {
	for _, s := range f.Sessions {
		if len(s.Unacked) > 0 {
			return true
		}
	}
	return false
}
