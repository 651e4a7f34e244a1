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

package notary

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// admissionEnv is the environment an admission rule sees.
type admissionEnv struct {
	Party  string   `expr:"party"`
	TxID   string   `expr:"tx_id"`
	Inputs []string `expr:"inputs"`
}

// Admission decides whether a request may be notarised at all.
type Admission struct {
	rule    string
	program *vm.Program
}

// CompileAdmission compiles rule. An empty rule admits everything.
//
// Example:
//
//	party != "mallory" && len(inputs) <= 64
func CompileAdmission(rule string) (*Admission, error) {
	a := &Admission{rule: rule}
	if rule == "" {
		return a, nil
	}
	program, err := expr.Compile(rule, expr.Env(admissionEnv{}), expr.AsBool())
	if err != nil {
		return nil, &lferrors.ConfigError{
			Key:    "notary.admission",
			Reason: fmt.Sprintf("failed to compile admission rule: %v", err),
			Cause:  err,
		}
	}
	a.program = program
	return a, nil
}

// Admit evaluates the rule for a request from party.
func (a *Admission) Admit(party string, req Request) (bool, error) {
	if a == nil || a.program == nil {
		return true, nil
	}
	out, err := expr.Run(a.program, admissionEnv{Party: party, TxID: req.TxID, Inputs: req.Inputs})
	if err != nil {
		return false, fmt.Errorf("admission rule failed: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// String returns the rule source.
func (a *Admission) String() string { return a.rule }
