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

// Package workflow runs ordered DAGs of steps: pipeline submissions,
// registered lambdas, and choice predicates. Definitions are YAML;
// execution state is persisted per run, per step attempt, and per
// lifecycle edge.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// Step kinds.
const (
	KindPipeline = "pipeline"
	KindLambda   = "lambda"
	KindChoice   = "choice"
)

// Definition is one declarative workflow.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Concurrency caps parallel steps within one topological layer.
	// Zero means sequential.
	Concurrency int `yaml:"concurrency,omitempty"`

	Steps []StepDef `yaml:"steps"`
}

// RetryPolicy is the per-step retry budget for transient failures.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt. Zero means 1.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Backoff is the base delay, doubled per attempt.
	Backoff time.Duration `yaml:"backoff,omitempty"`
}

// StepDef is one node of the DAG.
type StepDef struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Pipeline and Params apply to pipeline steps.
	Pipeline string         `yaml:"pipeline,omitempty"`
	Params   map[string]any `yaml:"params,omitempty"`
	Lane     string         `yaml:"lane,omitempty"`

	// Lambda names a function in the runner's table.
	Lambda string `yaml:"lambda,omitempty"`

	// Expression is the choice step's predicate; its verdict becomes
	// the step output.
	Expression string `yaml:"expression,omitempty"`

	// When guards any step: false means skipped, not failed.
	When string `yaml:"when,omitempty"`

	DependsOn []string    `yaml:"depends_on,omitempty"`
	Retry     RetryPolicy `yaml:"retry,omitempty"`
}

// Validate checks structure and rejects cycles. Called by the loaders;
// exported for registrations built in code.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &spineerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &spineerrors.ValidationError{Field: "steps", Message: "workflow has no steps"}
	}

	byName := make(map[string]*StepDef, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			return &spineerrors.ValidationError{Field: "steps", Message: "step missing name"}
		}
		if _, dup := byName[step.Name]; dup {
			return &spineerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step %q", step.Name),
			}
		}
		byName[step.Name] = step

		switch step.Kind {
		case KindPipeline:
			if step.Pipeline == "" {
				return stepErr(step.Name, "pipeline step needs a pipeline")
			}
		case KindLambda:
			if step.Lambda == "" {
				return stepErr(step.Name, "lambda step needs a lambda")
			}
		case KindChoice:
			if step.Expression == "" {
				return stepErr(step.Name, "choice step needs an expression")
			}
		default:
			return stepErr(step.Name, fmt.Sprintf("unknown kind %q", step.Kind))
		}
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byName[dep]; !ok {
				return stepErr(step.Name, fmt.Sprintf("depends on unknown step %q", dep))
			}
			if dep == step.Name {
				return stepErr(step.Name, "step depends on itself")
			}
		}
	}

	if _, err := d.Layers(); err != nil {
		return err
	}
	return nil
}

func stepErr(name, message string) error {
	return &spineerrors.ValidationError{
		Field:   "steps." + name,
		Message: message,
	}
}

// Layers returns the steps grouped into topological layers (Kahn's
// algorithm): every step's dependencies live in earlier layers. A
// remaining step with unsatisfied dependencies means a cycle.
func (d *Definition) Layers() ([][]*StepDef, error) {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string)
	byName := make(map[string]*StepDef, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		byName[step.Name] = step
		indegree[step.Name] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.Name)
		}
	}

	var layers [][]*StepDef
	placed := 0
	for placed < len(d.Steps) {
		var ready []string
		for name, deg := range indegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, &spineerrors.ValidationError{
				Field:   "steps",
				Message: "dependency cycle detected",
			}
		}
		sort.Strings(ready)

		layer := make([]*StepDef, 0, len(ready))
		for _, name := range ready {
			layer = append(layer, byName[name])
			delete(indegree, name)
			for _, dependent := range dependents[name] {
				indegree[dependent]--
			}
		}
		layers = append(layers, layer)
		placed += len(layer)
	}
	return layers, nil
}

// ParseDefinition decodes and validates one YAML document.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &spineerrors.ValidationError{
			Field:   "workflow",
			Message: "invalid YAML: " + err.Error(),
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads one workflow file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}
	return ParseDefinition(data)
}

// Catalog holds loaded definitions by name.
type Catalog struct {
	defs map[string]*Definition
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]*Definition)}
}

// Add registers one definition, rejecting duplicates.
func (c *Catalog) Add(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, dup := c.defs[def.Name]; dup {
		return &spineerrors.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("workflow %q already registered", def.Name),
		}
	}
	c.defs[def.Name] = def
	return nil
}

// LoadDir loads every *.yaml / *.yml under dir, recursively.
func (c *Catalog) LoadDir(dir string) error {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*.{yaml,yml}")
	if err != nil {
		return fmt.Errorf("globbing workflows: %w", err)
	}
	sort.Strings(matches)
	for _, match := range matches {
		def, err := LoadDefinition(filepath.Join(dir, match))
		if err != nil {
			return fmt.Errorf("%s: %w", match, err)
		}
		if err := c.Add(def); err != nil {
			return fmt.Errorf("%s: %w", match, err)
		}
	}
	return nil
}

// Get returns a definition by name.
func (c *Catalog) Get(name string) (*Definition, error) {
	def, ok := c.defs[name]
	if !ok {
		return nil, &spineerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return def, nil
}

// Names lists registered workflows, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
