package step

import (
	"fmt"
	"slices"
	"sync"

	"github.com/OpenNSW/accessportal/internal/form"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// Registry maps step kinds and workflow behaviors to their implementations.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	behaviors map[string]WorkflowBehavior
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[Kind]Factory),
		behaviors: make(map[string]WorkflowBehavior),
	}
}

// NewDefaultRegistry returns a Registry with the built-in step kinds and
// workflow behaviors registered.
func NewDefaultRegistry(forms form.Provider) *Registry {
	r := NewRegistry()
	r.Register(KindForm, NewFormFactory(forms))
	r.Register(KindFileUpload, NewFileUpload)
	r.Register(KindVideo, NewVideo)
	r.RegisterBehavior(BehaviorSequential, Sequential{})
	r.RegisterBehavior(BehaviorChecklist, Checklist{})
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// RegisterBehavior adds or replaces a workflow-level behavior.
func (r *Registry) RegisterBehavior(key string, b WorkflowBehavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[key] = b
}

// Build resolves the controller for s.
func (r *Registry) Build(s *model.Step) (Controller, error) {
	r.mu.RLock()
	factory, ok := r.factories[Kind(s.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("unknown step kind %q for step %q", s.Kind, s.Name), nil)
	}

	c, err := factory(s)
	if err != nil {
		return nil, model.NewConfigurationError(fmt.Sprintf("invalid config for step %q", s.Name), err)
	}
	return c, nil
}

// Validate checks that s resolves to a controller with a valid config.
func (r *Registry) Validate(s *model.Step) error {
	_, err := r.Build(s)
	return err
}

// Behavior resolves a workflow-level behavior.
func (r *Registry) Behavior(key string) (WorkflowBehavior, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[key]
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("unknown workflow behavior %q", key), nil)
	}
	return b, nil
}

// Kinds lists the registered step kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, string(k))
	}
	slices.Sort(out)
	return out
}
