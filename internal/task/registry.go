package task

import (
	"fmt"
	"sort"
	"strings"

	engerrors "github.com/tiara/engine/internal/errors"
)

// Registry maps task types to handlers. It is filled at startup and read-only
// afterwards, so lookups take no lock.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Empty names and duplicates are configuration errors.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return engerrors.Wrap(engerrors.ErrCodeConfig, "task name required", nil)
	}
	if h == nil {
		return engerrors.Wrap(engerrors.ErrCodeConfig, fmt.Sprintf("nil handler for task %q", name), nil)
	}
	if _, exists := r.handlers[name]; exists {
		return &engerrors.EngineError{
			Code:    engerrors.ErrCodeConfig,
			Message: engerrors.ErrDuplicateTask.Message,
			Task:    name,
		}
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name or an UnknownTask error.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, engerrors.UnknownTask(name)
	}
	return h, nil
}

// Names returns the registered task types, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
