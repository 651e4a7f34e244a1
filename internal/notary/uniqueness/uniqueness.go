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

// Package uniqueness decides which spend requests are first spends.
//
// A Provider checks a batch of SpendRequests against a durable CommitLog.
// The batch is all-or-nothing: if any resource in it is already consumed
// by a different transaction, nothing in the batch is recorded and the
// caller receives a Conflict naming the transaction that holds each
// contested resource. Writing to the log happens only through
// CommitLog.InsertIfAbsent, which backends implement as one atomic
// multi-key compare-and-swap.
package uniqueness

import (
	"context"
	"fmt"
	"sort"
	"time"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// TimeWindow bounds when a transaction may be notarised. A zero bound is
// open.
type TimeWindow struct {
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// Contains reports whether t falls inside the window. NotAfter is
// exclusive.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.NotBefore.IsZero() && t.Before(w.NotBefore) {
		return false
	}
	if !w.NotAfter.IsZero() && !t.Before(w.NotAfter) {
		return false
	}
	return true
}

// SpendRequest asks to consume one resource for a transaction.
type SpendRequest struct {
	ResourceRef string     `json:"resource_ref"`
	Party       string     `json:"party"`
	TxID        string     `json:"tx_id"`
	Window      TimeWindow `json:"window,omitempty"`
}

// Entry is one row of the commit log.
type Entry struct {
	ResourceRef string    `json:"resource_ref"`
	TxID        string    `json:"tx_id"`
	Party       string    `json:"party"`
	CommittedAt time.Time `json:"committed_at"`
}

// CommitLog is the durable resource to transaction mapping.
type CommitLog interface {
	// InsertIfAbsent records every entry unless some entry's resource is
	// already held by a different transaction. In that case nothing is
	// written and the returned map holds resource ref to holding tx id.
	// Entries whose resource is already held by the same transaction
	// succeed without rewriting the row.
	InsertIfAbsent(ctx context.Context, entries []Entry) (map[string]string, error)

	// Lookup returns the transaction holding ref, if any.
	Lookup(ctx context.Context, ref string) (string, bool, error)
}

// Outcome is the result of a commit request: Success, Conflict or
// TimeWindowInvalid.
type Outcome interface {
	outcome()
}

// Success means every request in the batch is now recorded.
type Success struct {
	TxIDs []string `json:"tx_ids"`
}

// Conflict means at least one resource was already consumed.
type Conflict struct {
	Winners map[string]string `json:"winners"`
}

// TimeWindowInvalid means a request fell outside its time window when the
// provider checked it.
type TimeWindowInvalid struct {
	TxID   string     `json:"tx_id"`
	Window TimeWindow `json:"window"`
	At     time.Time  `json:"at"`
}

func (Success) outcome()           {}
func (Conflict) outcome()          {}
func (TimeWindowInvalid) outcome() {}

// Err converts the conflict to the typed error surfaced to flows.
func (c Conflict) Err() error {
	return &lferrors.ConflictError{Winners: c.Winners}
}

// Err converts the rejection to a logic error.
func (t TimeWindowInvalid) Err() error {
	return &lferrors.LogicError{
		Code:    "time_window_invalid",
		Message: fmt.Sprintf("transaction %s is outside its time window at %s", t.TxID, t.At.UTC().Format(time.RFC3339)),
	}
}

// validate checks a batch for shape errors and returns its entries with
// duplicates folded.
func validate(batch []SpendRequest, now time.Time) ([]Entry, error) {
	if len(batch) == 0 {
		return nil, &lferrors.ValidationError{Field: "batch", Message: "empty"}
	}
	byRef := make(map[string]Entry, len(batch))
	for i, r := range batch {
		if r.ResourceRef == "" {
			return nil, &lferrors.ValidationError{Field: fmt.Sprintf("batch[%d].resource_ref", i), Message: "required"}
		}
		if r.TxID == "" {
			return nil, &lferrors.ValidationError{Field: fmt.Sprintf("batch[%d].tx_id", i), Message: "required"}
		}
		if prev, ok := byRef[r.ResourceRef]; ok {
			if prev.TxID != r.TxID {
				return nil, &lferrors.ValidationError{
					Field:   fmt.Sprintf("batch[%d].resource_ref", i),
					Message: fmt.Sprintf("%s is spent by both %s and %s in one batch", r.ResourceRef, prev.TxID, r.TxID),
				}
			}
			continue
		}
		byRef[r.ResourceRef] = Entry{ResourceRef: r.ResourceRef, TxID: r.TxID, Party: r.Party, CommittedAt: now}
	}
	entries := make([]Entry, 0, len(byRef))
	for _, e := range byRef {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ResourceRef < entries[j].ResourceRef })
	return entries, nil
}

func txIDs(batch []SpendRequest) []string {
	seen := make(map[string]bool, len(batch))
	var out []string
	for _, r := range batch {
		if !seen[r.TxID] {
			seen[r.TxID] = true
			out = append(out, r.TxID)
		}
	}
	sort.Strings(out)
	return out
}
