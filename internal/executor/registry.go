package executor

import (
	"context"

	"github.com/gridworx/helios-client-sub002/internal/domain"
)

// Result is the outcome a step handler reports back. Failed halts the
// remaining sequence; Warning records the problem and continues.
type Result struct {
	Status       domain.StepStatus
	Details      map[string]any
	ErrorMessage string
}

// Handler executes one named step against an external system. A returned
// error is treated as a fatal step failure, same as Result.Status == failed.
type Handler interface {
	Handle(ctx context.Context, step Step, action domain.ScheduledAction) (Result, error)
}

// Registry maps step names to handlers. Populated once at process startup;
// an unknown step name at execution time is a configuration error, not a
// runtime handler failure.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(stepName string, h Handler) {
	r.handlers[stepName] = h
}

// RegisterAll binds one handler to every known step name.
func (r *Registry) RegisterAll(h Handler) {
	for _, name := range KnownStepNames() {
		r.handlers[name] = h
	}
}

func (r *Registry) Get(stepName string) (Handler, bool) {
	h, ok := r.handlers[stepName]
	return h, ok
}
