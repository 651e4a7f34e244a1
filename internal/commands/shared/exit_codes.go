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

package shared

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/tombee/ledgerflow/internal/adminapi"
	lferrors "github.com/tombee/ledgerflow/pkg/errors"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitFailed       = 1
	ExitInvalidInput = 2
	ExitNotFound     = 3
	ExitConflict     = 4
	ExitUnavailable  = 69 // EX_UNAVAILABLE from sysexits.h
	ExitConfig       = 78 // EX_CONFIG from sysexits.h
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidInputError reports bad arguments or input files.
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// NewFailedError reports a failed operation.
func NewFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitFailed, Message: msg, Cause: cause}
}

// ExitCode picks the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var (
		exitErr  *ExitError
		apiErr   *adminapi.APIError
		cfgErr   *lferrors.ConfigError
		nfErr    *lferrors.NotFoundError
		conflict *lferrors.ConflictError
	)
	switch {
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.As(err, &nfErr):
		return ExitNotFound
	case errors.As(err, &conflict):
		return ExitConflict
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return ExitNotFound
		case apiErr.StatusCode == http.StatusConflict:
			return ExitConflict
		case apiErr.StatusCode >= 500:
			return ExitUnavailable
		case apiErr.StatusCode >= 400:
			return ExitInvalidInput
		}
	}
	return ExitFailed
}

// PrintError writes err to w in the CLI's error format.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	var cfgErr *lferrors.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(w, "\nSuggestion: check %q in the config file or its LEDGERFLOW_* override\n", cfgErr.Key)
	}
}

// HandleExitError prints err and exits with the matching code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}
