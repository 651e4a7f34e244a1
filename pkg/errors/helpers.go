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
	"context"
	"errors"
)

// Transient wraps err as a TransientError for operation op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Cause: err}
}

// Class is the handling category of an error as seen by the flow scheduler.
type Class int

const (
	// ClassLogic errors are terminal and fail the flow.
	ClassLogic Class = iota
	// ClassTransient errors are retried with backoff.
	ClassTransient
	// ClassCorruption errors hospitalize the flow without retry.
	ClassCorruption
)

// String returns the class name used in logs and metrics.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCorruption:
		return "corruption"
	default:
		return "logic"
	}
}

// Classify maps err to the scheduler's handling class. Anything in the
// chain implementing ErrorClassifier decides; deadline expiry counts as
// transient; everything else is a logic error.
func Classify(err error) Class {
	var corrupt *CorruptionError
	if errors.As(err, &corrupt) {
		return ClassCorruption
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if classifier.IsRetryable() {
			return ClassTransient
		}
		return ClassLogic
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassLogic
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
