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

package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Compile-time interface checks for every taxonomy type.
var (
	_ Classifier = (*ValidationError)(nil)
	_ Classifier = (*NotFoundError)(nil)
	_ Classifier = (*SourceError)(nil)
	_ Classifier = (*ParseError)(nil)
	_ Classifier = (*ConfigError)(nil)
	_ Classifier = (*AuthError)(nil)
	_ Classifier = (*TransientError)(nil)
	_ Classifier = (*OrchestrationError)(nil)
	_ Classifier = (*ConflictError)(nil)
	_ Classifier = (*InternalError)(nil)
	_ Classifier = (*TimeoutError)(nil)
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err,
// if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New from the standard library.
func New(message string) error {
	return errors.New(message)
}

// KindOf walks err's tree and returns the kind of the first Classifier
// found. Context cancellation maps to KindOrchestration (the caller asked
// us to stop) and deadline expiry to KindTransient. Everything else is
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindOrchestration
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsRetryable reports whether a failed operation should be retried.
// Classified errors answer for themselves; unclassified errors fall back
// to the kind default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return DefaultRetryable(KindOf(err))
}

// CodeOf returns the stable machine-readable code used in error envelopes
// and persisted failure records.
func CodeOf(err error) string {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return "not_found"
	}
	var cf *ConflictError
	if errors.As(err, &cf) {
		return "conflict"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "invalid_params"
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	k := KindOf(err)
	if k == "" {
		return ""
	}
	return strings.ToLower(string(k))
}

// Envelope is the uniform wire shape for failures, shared by the HTTP
// surface and persisted error payloads.
type Envelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ToEnvelope converts any error into its wire shape. Classified errors
// contribute structured details where they have them.
func ToEnvelope(err error) Envelope {
	if err == nil {
		return Envelope{}
	}
	env := Envelope{
		Code:    CodeOf(err),
		Message: err.Error(),
	}
	var ve *ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		env.Details = map[string]any{"field": ve.Field}
		if ve.Suggestion != "" {
			env.Details["suggestion"] = ve.Suggestion
		}
	}
	var cf *ConflictError
	if errors.As(err, &cf) {
		env.Details = map[string]any{
			"logical_key":           cf.LogicalKey,
			"existing_execution_id": cf.ExistingID,
		}
	}
	var se *SourceError
	if errors.As(err, &se) && se.StatusCode > 0 {
		env.Details = map[string]any{"source": se.Source, "status_code": se.StatusCode}
	}
	return env
}
