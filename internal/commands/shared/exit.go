// Copyright 2025 Ryan McCoy
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

// Package shared holds the exit-code contract between the command layer
// and the CLI entrypoints.
package shared

import (
	"errors"
	"fmt"
	"os"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// Exit codes for spine commands. Scripts branch on these, so they are
// part of the CLI contract.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitNotFound      = 2
	ExitInvalidParams = 3
)

// ExitError is an error that carries an exit code.
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

// NewNotFoundError wraps an error that should exit with ExitNotFound.
func NewNotFoundError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitNotFound, Message: msg, Cause: cause}
}

// NewInvalidParamsError wraps an error that should exit with
// ExitInvalidParams.
func NewInvalidParamsError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidParams, Message: msg, Cause: cause}
}

// CodeFor maps an error to its exit code. Unknown errors exit with
// ExitFailure; unknown resources with ExitNotFound; rejected parameters
// with ExitInvalidParams.
func CodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var notFound *spineerrors.NotFoundError
	if errors.As(err, &notFound) {
		return ExitNotFound
	}
	var validation *spineerrors.ValidationError
	if errors.As(err, &validation) {
		return ExitInvalidParams
	}
	return ExitFailure
}

// HandleExitError prints err to stderr and exits with its mapped code.
// A nil err returns without exiting.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)
	os.Exit(CodeFor(err))
}

// printSuggestion surfaces the fix hint validation errors carry.
func printSuggestion(err error) {
	var validation *spineerrors.ValidationError
	if errors.As(err, &validation) && validation.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", validation.Suggestion)
	}
}
