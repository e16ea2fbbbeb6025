package queue

import (
	"sort"
	"sync"

	domain "github.com/aq2208/zalo-notifier/internal/entity"
	"github.com/aq2208/zalo-notifier/internal/usecase"
)

// Registry maps action types to task handlers. Lookup is an exact,
// case-sensitive match. It is filled at startup and read concurrently after.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.ActionType]usecase.TaskHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.ActionType]usecase.TaskHandler{}}
}

// Register adds or replaces the handler for actionType.
func (r *Registry) Register(actionType domain.ActionType, h usecase.TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Resolve returns the handler for actionType or an *UnroutedActionError.
func (r *Registry) Resolve(actionType string) (usecase.TaskHandler, error) {
	r.mu.RLock()
	h, ok := r.handlers[domain.ActionType(actionType)]
	r.mu.RUnlock()
	if !ok || h == nil {
		return nil, &UnroutedActionError{ActionType: actionType}
	}
	return h, nil
}

// ActionTypes lists registered action types, sorted.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}
