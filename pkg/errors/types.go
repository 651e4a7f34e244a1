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

package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError represents invalid input, such as a malformed spend
// request or flow arguments that a definition rejects before running.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "flow", "checkpoint", "definition")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "notary.batch_window")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TransientError marks a failure that is expected to clear on its own:
// counterparty temporarily unreachable, lock contention, a storage backend
// that is restarting. Flows failing with one are retried with backoff and
// hospitalized once retries are exhausted.
type TransientError struct {
	// Op names the operation that failed
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("transient failure in %s", e.Op)
	}
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable implements ErrorClassifier.
func (e *TransientError) IsRetryable() bool { return true }

// ConflictError reports a double-spend detected by the notary. It is
// terminal and carries, for each contested resource, the transaction that
// consumed it first.
type ConflictError struct {
	// Winners maps resource reference to the consuming transaction id on file
	Winners map[string]string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	refs := make([]string, 0, len(e.Winners))
	for ref := range e.Winners {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	parts := make([]string, 0, len(refs))
	for _, ref := range refs {
		parts = append(parts, fmt.Sprintf("%s consumed by %s", ref, e.Winners[ref]))
	}
	return "input conflict: " + strings.Join(parts, ", ")
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// LogicError is a domain failure raised by flow code, for example a
// counterparty explicitly rejecting a proposal. It is surfaced verbatim as
// the flow's outcome.
type LogicError struct {
	// Code is a short machine-readable reason
	Code string

	// Message is the human-readable description
	Message string
}

// Error implements the error interface.
func (e *LogicError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *LogicError) ErrorType() string { return "logic" }

// IsRetryable implements ErrorClassifier.
func (e *LogicError) IsRetryable() bool { return false }

// CorruptionError reports persisted state that can no longer be decoded.
// Flows hitting one are hospitalized for operator attention rather than
// failed or retried without bound.
type CorruptionError struct {
	// FlowID identifies the flow whose checkpoint is unreadable
	FlowID string

	// Cause is the decode error
	Cause error
}

// Error implements the error interface.
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint for flow %s is corrupt: %v", e.FlowID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *CorruptionError) ErrorType() string { return "corruption" }

// IsRetryable implements ErrorClassifier.
func (e *CorruptionError) IsRetryable() bool { return false }
