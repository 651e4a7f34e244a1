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

// Package backoff computes retry delays for flows that failed with a
// transient error.
package backoff

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed)
	// of the operation identified by key.
	Delay(key string, attempt int) time.Duration
}

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// Delay implements Strategy.
func (c Constant) Delay(_ string, _ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt, capped at Max, and adds a
// jitter derived from the key and attempt. The same key and attempt always
// produce the same delay, so retry schedules are reproducible in tests and
// still spread across flows.
type Exponential struct {
	Initial   time.Duration
	Max       time.Duration
	MaxJitter time.Duration
}

// NewExponential creates an exponential strategy with jitter up to a
// quarter of the initial delay.
func NewExponential(initial, maxDelay time.Duration) Exponential {
	return Exponential{Initial: initial, Max: maxDelay, MaxJitter: initial / 4}
}

// Delay implements Strategy.
func (e Exponential) Delay(key string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Initial
	for i := 1; i < attempt && i <= 30; i++ {
		if e.Max > 0 && d >= e.Max {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	return d + e.jitter(key, attempt)
}

func (e Exponential) jitter(key string, attempt int) time.Duration {
	if e.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(e.MaxJitter))
}
