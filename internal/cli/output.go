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

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/itchyny/gojq"
	"golang.org/x/term"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// useJSON reports whether output should be machine-readable: forced by
// --json, or implied by a non-terminal stdout (pipes, CI).
func useJSON(flags *globalFlags) bool {
	if flags.json {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under a header with aligned columns.
func printTable(header []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// applyJQ filters an arbitrary JSON-shaped value through a jq
// expression and returns the emitted values (unwrapped when single).
func applyJQ(v any, expression string) (any, error) {
	parsed, err := gojq.Parse(expression)
	if err != nil {
		return nil, &spineerrors.ValidationError{
			Field:   "jq",
			Message: fmt.Sprintf("invalid jq expression: %s", err),
		}
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, &spineerrors.ValidationError{
			Field:   "jq",
			Message: fmt.Sprintf("compiling jq expression: %s", err),
		}
	}

	// Round-trip to plain JSON types; gojq rejects structs.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, err
	}

	var out []any
	iter := code.Run(input)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, &spineerrors.ValidationError{
				Field:   "jq",
				Message: fmt.Sprintf("jq evaluation: %s", jqErr),
			}
		}
		out = append(out, val)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// render writes v honoring --jq and the JSON/TTY decision; human is the
// table fallback for terminals.
func render(flags *globalFlags, v any, jqExpr string, human func()) error {
	if jqExpr != "" {
		filtered, err := applyJQ(v, jqExpr)
		if err != nil {
			return err
		}
		return printJSON(filtered)
	}
	if useJSON(flags) {
		return printJSON(v)
	}
	human()
	return nil
}
