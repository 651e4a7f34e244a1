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

package errors_test

import (
	"errors"
	"testing"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

func TestTransient(t *testing.T) {
	if lferrors.Transient("op", nil) != nil {
		t.Error("Transient(nil) should return nil")
	}
	err := lferrors.Transient("commit log", errors.New("connection reset"))
	var te *lferrors.TransientError
	if !errors.As(err, &te) {
		t.Fatal("expected TransientError")
	}
	if te.Op != "commit log" {
		t.Errorf("Op = %q", te.Op)
	}
	if !lferrors.IsRetryable(err) {
		t.Error("transient errors must be retryable")
	}
}
