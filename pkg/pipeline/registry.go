package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	spineerrors "github.com/ryansmccoy/spine/pkg/errors"
)

// Registry holds the pipelines known to this process. Registration is
// explicit and happens at startup from a known wiring point; there is no
// global registry and no import-side-effect registration.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]Pipeline)}
}

// Register adds a pipeline. A duplicate or empty name is a configuration
// error so wiring mistakes fail at startup, not at first submission.
func (r *Registry) Register(p Pipeline) error {
	name := p.Name()
	if name == "" {
		return &spineerrors.ConfigError{
			Key:    "pipeline",
			Reason: "pipeline has an empty name",
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[name]; exists {
		return &spineerrors.ConfigError{
			Key:    "pipeline." + name,
			Reason: fmt.Sprintf("pipeline %q registered twice", name),
		}
	}
	r.pipelines[name] = p
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(p Pipeline) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the named pipeline.
func (r *Registry) Get(name string) (Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	if !ok {
		return nil, &spineerrors.NotFoundError{Resource: "pipeline", ID: name}
	}
	return p, nil
}

// List returns pipeline details sorted by name, optionally restricted to
// names with the given prefix.
func (r *Registry) List(prefix string) []Detail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	details := make([]Detail, 0, len(r.pipelines))
	for name, p := range r.pipelines {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		details = append(details, p.Describe())
	}
	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return details
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pipelines)
}
