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

package query

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// ApplyFilter runs a jq expression against each row and collects the
// emitted values. Rows the expression maps to empty (via select) drop
// out; expressions can also reshape rows into arbitrary values.
func ApplyFilter(rows []map[string]any, expression string) ([]any, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, &spineerrors.ValidationError{
			Field:      "filter",
			Message:    fmt.Sprintf("invalid jq expression: %s", err),
			Suggestion: "e.g. 'select(.total_shares > 1000000)' or '{symbol, total_shares}'",
		}
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, &spineerrors.ValidationError{
			Field:   "filter",
			Message: fmt.Sprintf("compiling jq expression: %s", err),
		}
	}

	out := make([]any, 0, len(rows))
	for _, row := range rows {
		// gojq wants plain JSON types; round-trip drops driver types
		// like int64 that it refuses.
		normalized, err := normalizeRow(row)
		if err != nil {
			return nil, err
		}
		iter := code.Run(normalized)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if jqErr, isErr := v.(error); isErr {
				return nil, &spineerrors.ValidationError{
					Field:   "filter",
					Message: fmt.Sprintf("jq evaluation: %s", jqErr),
				}
			}
			out = append(out, v)
		}
	}
	return out, nil
}

func normalizeRow(row map[string]any) (any, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encoding row for filter: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("decoding row for filter: %w", err)
	}
	return normalized, nil
}
