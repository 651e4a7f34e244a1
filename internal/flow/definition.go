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

// Package flow implements resumable multi-party flows as explicit state
// machines. A flow runs one step at a time; every step ends in a
// Suspension that names the event the flow waits for, and the engine
// checkpoints the flow before waiting.
package flow

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Logic is the body of a flow. Step is called once per event and must
// return the next suspension. The Logic value itself is the flow's
// continuation: its exported fields are encoded into the checkpoint after
// every step and decoded before the next one, so it must record its own
// position (typically a stage field) rather than rely on anything else.
type Logic interface {
	Step(fc *Context) (Suspension, error)
}

// Definition describes a registered flow.
type Definition struct {
	// Name is the stable identifier persisted in checkpoints and sent in
	// session init envelopes.
	Name string

	// Version is the semantic version of the logic's state layout.
	Version string

	// Resumes is a semver constraint that checkpointed versions must
	// satisfy to be resumed by this definition. Empty means the same
	// major version.
	Resumes string

	// New returns a zero-valued logic. Start arguments are decoded into it.
	New func() Logic

	version    *semver.Version
	constraint *semver.Constraints
}

// Registry maps flow names to their definitions. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	defs       map[string]*Definition
	responders map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:       make(map[string]*Definition),
		responders: make(map[string]string),
	}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return &lferrors.ValidationError{Field: "name", Message: "flow name is required"}
	}
	if def.New == nil {
		return &lferrors.ValidationError{Field: "new", Message: fmt.Sprintf("flow %s has no constructor", def.Name)}
	}
	// state is decoded into what New returns, so it must be a pointer
	if l := def.New(); l == nil || reflect.ValueOf(l).Kind() != reflect.Pointer {
		return &lferrors.ValidationError{Field: "new", Message: fmt.Sprintf("flow %s: constructor must return a pointer, got %T", def.Name, l)}
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	v, err := semver.NewVersion(def.Version)
	if err != nil {
		return &lferrors.ValidationError{Field: "version", Message: fmt.Sprintf("flow %s: %v", def.Name, err)}
	}
	def.version = v

	resumes := def.Resumes
	if resumes == "" {
		resumes = fmt.Sprintf(">= %d.0.0, < %d.0.0", v.Major(), v.Major()+1)
	}
	c, err := semver.NewConstraint(resumes)
	if err != nil {
		return &lferrors.ValidationError{Field: "resumes", Message: fmt.Sprintf("flow %s: %v", def.Name, err)}
	}
	def.constraint = c

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return &lferrors.ValidationError{Field: "name", Message: fmt.Sprintf("flow %s already registered", def.Name)}
	}
	d := def
	r.defs[def.Name] = &d
	return nil
}

// RegisterResponder registers def and starts it whenever a counterparty
// opens a session from a flow named initiator.
func (r *Registry) RegisterResponder(initiator string, def Definition) error {
	if err := r.Register(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responders[initiator] = def.Name
	return nil
}

// MustRegister is Register for static registrations; it panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, &lferrors.NotFoundError{Resource: "flow definition", ID: name}
	}
	return def, nil
}

// Responder returns the definition that answers sessions from initiator.
func (r *Registry) Responder(initiator string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.responders[initiator]
	if !ok {
		return nil, false
	}
	return r.defs[name], true
}

// Names returns the registered flow names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanResume reports whether a checkpoint written by version can be resumed.
func (d *Definition) CanResume(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid checkpoint version %q: %w", version, err)
	}
	if !d.constraint.Check(v) {
		return fmt.Errorf("flow %s %s cannot resume a checkpoint written by %s", d.Name, d.Version, version)
	}
	return nil
}
