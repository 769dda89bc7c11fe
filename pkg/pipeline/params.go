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

package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// ParamType enumerates the value types a parameter may declare.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "bool"

	// TypeDate is a calendar date in ISO form (2006-01-02). Dates stay
	// strings inside Params so persisted params round-trip through JSON
	// unchanged; Params.Date parses on access.
	TypeDate ParamType = "date"
)

// DateLayout is the canonical form for TypeDate values.
const DateLayout = "2006-01-02"

// ParamDef declares one pipeline parameter.
type ParamDef struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Choices     []string  `json:"choices,omitempty"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Params is a validated, coerced parameter map. Values are guaranteed to
// match their declared types after ValidateParams, so the typed getters
// do not fail; an absent key yields the zero value.
type Params map[string]any

// String returns a string parameter.
func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

// Int returns an int parameter.
func (p Params) Int(name string) int {
	v, _ := p[name].(int)
	return v
}

// Float returns a float parameter.
func (p Params) Float(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

// Bool returns a bool parameter.
func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

// Date parses a date parameter. The zero time means absent.
func (p Params) Date(name string) time.Time {
	s, _ := p[name].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ValidateParams checks raw caller input against the pipeline's declared
// parameters: required presence, unknown-key rejection, type coercion,
// choice membership, and defaults for absent optionals. The returned
// Params is a fresh map; raw is never mutated.
func (d Detail) ValidateParams(raw map[string]any) (Params, error) {
	defs := d.Params()
	byName := make(map[string]ParamDef, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}

	// Reject keys no definition claims.
	for key := range raw {
		if _, ok := byName[key]; !ok {
			return nil, &spineerrors.ValidationError{
				Field:      key,
				Message:    fmt.Sprintf("unknown parameter for pipeline %s", d.Name),
				Suggestion: fmt.Sprintf("known parameters: %s", strings.Join(paramNames(defs), ", ")),
			}
		}
	}

	out := make(Params, len(defs))
	for _, def := range defs {
		value, present := raw[def.Name]
		if !present || value == nil {
			if def.Required {
				return nil, &spineerrors.ValidationError{
					Field:   def.Name,
					Message: "required parameter missing",
				}
			}
			if def.Default == nil {
				continue
			}
			value = def.Default
		}

		coerced, err := coerceValue(def, value)
		if err != nil {
			return nil, err
		}
		if len(def.Choices) > 0 && !containsChoice(def.Choices, fmt.Sprint(coerced)) {
			return nil, &spineerrors.ValidationError{
				Field:      def.Name,
				Message:    fmt.Sprintf("value %v is not an allowed choice", coerced),
				Suggestion: fmt.Sprintf("choose one of: %s", strings.Join(def.Choices, ", ")),
			}
		}
		out[def.Name] = coerced
	}
	return out, nil
}

func paramNames(defs []ParamDef) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	sort.Strings(names)
	return names
}

func containsChoice(choices []string, v string) bool {
	for _, c := range choices {
		if c == v {
			return true
		}
	}
	return false
}

func coerceValue(def ParamDef, value any) (any, error) {
	switch def.Type {
	case TypeString, "":
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n, nil
			}
		}
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
		}
	case TypeDate:
		switch v := value.(type) {
		case string:
			if _, err := time.Parse(DateLayout, v); err == nil {
				return v, nil
			}
			// Reloaded params may carry a full timestamp.
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC().Format(DateLayout), nil
			}
		case time.Time:
			return v.UTC().Format(DateLayout), nil
		}
	default:
		return nil, &spineerrors.ValidationError{
			Field:   def.Name,
			Message: fmt.Sprintf("parameter declares unknown type %q", def.Type),
		}
	}
	return nil, &spineerrors.ValidationError{
		Field:      def.Name,
		Message:    fmt.Sprintf("cannot use %T value %v as %s", value, value, def.Type),
		Suggestion: typeSuggestion(def.Type),
	}
}

func typeSuggestion(t ParamType) string {
	switch t {
	case TypeDate:
		return "pass an ISO date like 2025-12-19"
	case TypeBool:
		return "pass true or false"
	default:
		return fmt.Sprintf("pass a %s value", t)
	}
}

var keyPlaceholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// ExpandKey substitutes {param} placeholders in an exclusive-key template
// with validated parameter values. A placeholder naming an absent
// parameter is an error so lock keys never silently collapse.
func ExpandKey(template string, params Params) (string, error) {
	var missing string
	expanded := keyPlaceholder.ReplaceAllStringFunc(template, func(m string) string {
		name := keyPlaceholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return fmt.Sprint(v)
	})
	if missing != "" {
		return "", &spineerrors.ValidationError{
			Field:   missing,
			Message: fmt.Sprintf("exclusive key %q references a parameter with no value", template),
		}
	}
	return expanded, nil
}
