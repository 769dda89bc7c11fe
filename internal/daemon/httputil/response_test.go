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

package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, map[string]string{"status": "ok"})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_Statuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{
			name: "not found",
			err:  &spineerrors.NotFoundError{Resource: "execution", ID: "x"},
			want: http.StatusNotFound,
			code: "not_found",
		},
		{
			name: "validation",
			err:  &spineerrors.ValidationError{Field: "tier", Message: "unknown tier"},
			want: http.StatusBadRequest,
			code: "invalid_params",
		},
		{
			name: "conflict",
			err:  &spineerrors.ConflictError{LogicalKey: "k", ExistingID: "e1"},
			want: http.StatusConflict,
			code: "conflict",
		},
		{
			name: "unclassified",
			err:  spineerrors.New("boom"),
			want: http.StatusInternalServerError,
			code: "internal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body struct {
				Error spineerrors.Envelope `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.code)
			}
		})
	}
}
