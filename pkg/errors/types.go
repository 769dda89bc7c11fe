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
	"fmt"
	"time"
)

// ValidationError represents caller input validation failures.
// Use this for unknown parameters, type mismatches, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Kind returns KindValidation.
func (e *ValidationError) Kind() Kind { return KindValidation }

// IsRetryable returns false; bad input stays bad.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested pipeline, execution, or schedule does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "pipeline", "execution", "schedule")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Kind returns KindValidation; an unknown name is a caller problem.
func (e *NotFoundError) Kind() Kind { return KindValidation }

// IsRetryable returns false.
func (e *NotFoundError) IsRetryable() bool { return false }

// SourceError represents upstream data source failures.
// Use this for errors originating from the systems a pipeline ingests from.
type SourceError struct {
	// Source names the upstream system (e.g., "nms", "edgar", "s3")
	Source string

	// StatusCode is the HTTP status code, if the source speaks HTTP
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Retryable records whether this particular failure is worth retrying
	// (a 503 is, a 404 is not)
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *SourceError) Error() string {
	msg := fmt.Sprintf("source %s error", e.Source)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", msg, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SourceError) Unwrap() error { return e.Cause }

// Kind returns KindSource.
func (e *SourceError) Kind() Kind { return KindSource }

// IsRetryable reports the per-error retry decision.
func (e *SourceError) IsRetryable() bool { return e.Retryable }

// ParseError represents payloads that arrived but could not be decoded.
type ParseError struct {
	// Format names the expected encoding (e.g., "json", "csv", "xbrl")
	Format string

	// Location pinpoints the failure when known (line, record, byte offset)
	Location string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying decoder error
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("parse %s failed at %s: %s", e.Format, e.Location, e.Message)
	}
	return fmt.Sprintf("parse %s failed: %s", e.Format, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ParseError) Unwrap() error { return e.Cause }

// Kind returns KindParse.
func (e *ParseError) Kind() Kind { return KindParse }

// IsRetryable returns false; the same bytes parse the same way twice.
func (e *ParseError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for settings file errors, missing values, or invalid wiring.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "database.url")
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
func (e *ConfigError) Unwrap() error { return e.Cause }

// Kind returns KindConfig.
func (e *ConfigError) Kind() Kind { return KindConfig }

// IsRetryable returns false.
func (e *ConfigError) IsRetryable() bool { return false }

// AuthError represents credential or permission failures against an
// upstream source.
type AuthError struct {
	// Source names the system that rejected the credentials
	Source string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for %s: %s", e.Source, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AuthError) Unwrap() error { return e.Cause }

// Kind returns KindAuth.
func (e *AuthError) Kind() Kind { return KindAuth }

// IsRetryable returns false; retrying with the same credentials fails the
// same way.
func (e *AuthError) IsRetryable() bool { return false }

// TransientError represents infrastructure hiccups that are always worth
// retrying: connection resets, lock timeouts, throttling.
type TransientError struct {
	// Op describes the operation that failed (e.g., "fetch manifest", "lease work item")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transient failure in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("transient failure: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// Kind returns KindTransient.
func (e *TransientError) Kind() Kind { return KindTransient }

// IsRetryable returns true.
func (e *TransientError) IsRetryable() bool { return true }

// OrchestrationError represents coordination failures inside the core:
// illegal state transitions, lease contention, unroutable work.
type OrchestrationError struct {
	// Op describes the coordination step that failed
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("orchestration error in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("orchestration error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *OrchestrationError) Unwrap() error { return e.Cause }

// Kind returns KindOrchestration.
func (e *OrchestrationError) Kind() Kind { return KindOrchestration }

// IsRetryable returns false.
func (e *OrchestrationError) IsRetryable() bool { return false }

// ConflictError represents an admission collision: an equivalent execution
// is already active for the same logical key.
type ConflictError struct {
	// LogicalKey is the deduplication key that collided
	LogicalKey string

	// ExistingID is the execution already holding the key
	ExistingID string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution already active for %s (id %s)", e.LogicalKey, e.ExistingID)
}

// Kind returns KindOrchestration.
func (e *ConflictError) Kind() Kind { return KindOrchestration }

// IsRetryable returns false; the caller holds a handle to the winner.
func (e *ConflictError) IsRetryable() bool { return false }

// InternalError is the fallback for programming errors and anything
// unclassified.
type InternalError struct {
	// Op describes what was being attempted
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("internal error in %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error { return e.Cause }

// Kind returns KindInternal.
func (e *InternalError) Kind() Kind { return KindInternal }

// IsRetryable returns false.
func (e *InternalError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when a run exceeds its configured deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "execution", "workflow step")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Kind returns KindTransient; a timeout may clear on retry.
func (e *TimeoutError) Kind() Kind { return KindTransient }

// IsRetryable returns true.
func (e *TimeoutError) IsRetryable() bool { return true }
