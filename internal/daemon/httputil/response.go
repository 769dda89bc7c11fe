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

// Package httputil provides HTTP response helpers for the daemon API.
package httputil

import (
	"encoding/json"
	"net/http"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an error envelope with a status derived from the
// error's code, so every handler fails with the same wire shape.
func WriteError(w http.ResponseWriter, err error) {
	env := spineerrors.ToEnvelope(err)
	WriteJSON(w, StatusFor(err), map[string]spineerrors.Envelope{"error": env})
}

// StatusFor maps an error code onto an HTTP status.
func StatusFor(err error) int {
	switch spineerrors.CodeOf(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_params", "validation", "parse", "config":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "auth":
		return http.StatusUnauthorized
	case "timeout":
		return http.StatusGatewayTimeout
	case "transient", "source":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
