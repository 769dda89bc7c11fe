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

package shared

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

func TestCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailure},
		{"not found", &spineerrors.NotFoundError{Resource: "pipeline", ID: "x"}, ExitNotFound},
		{"validation", &spineerrors.ValidationError{Field: "week_ending", Message: "bad"}, ExitInvalidParams},
		{"wrapped not found", fmt.Errorf("looking up: %w", &spineerrors.NotFoundError{Resource: "domain", ID: "y"}), ExitNotFound},
		{"explicit exit error", NewInvalidParamsError("bad flag", nil), ExitInvalidParams},
		{"exit error wins over chain", &ExitError{Code: ExitFailure, Cause: &spineerrors.ValidationError{Field: "f"}}, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeFor(tt.err); got != tt.want {
				t.Errorf("CodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	cause := &spineerrors.NotFoundError{Resource: "execution", ID: "abc"}
	err := NewNotFoundError("execution lookup", cause)

	var nf *spineerrors.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if !strings.HasPrefix(err.Error(), "execution lookup: ") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
