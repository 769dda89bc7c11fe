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

// Kind classifies an error into one of the failure categories the
// orchestrator acts on. Retry policy, reject/anomaly routing, and the
// wire-level error code all key off the kind.
type Kind string

const (
	// KindTransient covers infrastructure hiccups: network resets, lock
	// timeouts, throttling. Always safe to retry.
	KindTransient Kind = "TRANSIENT"

	// KindSource covers upstream data source failures (HTTP 5xx from a
	// vendor, empty feed, truncated file). Retryable per error.
	KindSource Kind = "SOURCE"

	// KindParse covers payloads that arrived but could not be decoded.
	// Retrying reproduces the same bytes, so never retryable.
	KindParse Kind = "PARSE"

	// KindValidation covers bad caller input: unknown params, type
	// mismatches, constraint violations.
	KindValidation Kind = "VALIDATION"

	// KindConfig covers misconfiguration detected at runtime: missing
	// settings, bad connection strings, unknown pipeline wiring.
	KindConfig Kind = "CONFIG"

	// KindAuth covers credential and permission failures against an
	// upstream source.
	KindAuth Kind = "AUTH"

	// KindOrchestration covers coordination failures inside the core
	// itself: admission conflicts, lease contention, illegal state
	// transitions.
	KindOrchestration Kind = "ORCHESTRATION"

	// KindInternal is the fallback for programming errors and anything
	// unclassified.
	KindInternal Kind = "INTERNAL"
)

// Classifier defines methods for programmatic error handling. Errors that
// implement this interface can be routed by kind for retry decisions,
// reject/anomaly recording, or response codes.
type Classifier interface {
	error

	// Kind returns the failure category for this error.
	Kind() Kind

	// IsRetryable returns true if re-running the failed operation could
	// plausibly succeed.
	IsRetryable() bool
}

// retryableByDefault holds the per-kind default when an error carries no
// explicit retryable flag.
var retryableByDefault = map[Kind]bool{
	KindTransient:     true,
	KindSource:        false,
	KindParse:         false,
	KindValidation:    false,
	KindConfig:        false,
	KindAuth:          false,
	KindOrchestration: false,
	KindInternal:      false,
}

// DefaultRetryable reports the default retry posture for a kind.
func DefaultRetryable(k Kind) bool {
	return retryableByDefault[k]
}
