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

/*
Package scheduler runs flow instances and supervises them.

Each flow is an actor: envelopes, timer firings, async results and
operator commands are posted to its mailbox, and a worker drains the
mailbox and advances the flow. At most one worker holds an actor at a
time, so a flow never runs two steps at once, while a bounded pool of
workers runs many flows in parallel.

# Failure handling

Transient step failures are retried with backoff. A flow that exhausts
its retries, or whose checkpoint is corrupt, is hospitalized: it stops
running and is retried a bounded number of times on a longer backoff
before waiting for an operator to Retry or Kill it. Waiting on a silent
counterparty is not a failure; such flows wait indefinitely.

# Recovery

RecoverAll loads every checkpoint, resends unacknowledged envelopes and
re-arms whatever each flow awaits. Timers already due fire immediately.
*/
package scheduler
