package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clusterctl/commissioner/internal/domain"
)

// Handler implements one task kind. Execute must report failure through the
// returned Result; a panic is treated as a failed result by the framework.
type Handler interface {
	Kind() domain.TaskKind
	Validate(params domain.JSONB) error
	Execute(tc *TaskContext) domain.Result
}

// RootHandler is a handler that can be submitted directly. It decides how the
// target resource is locked and how the submission is recorded in the audit ledger.
type RootHandler interface {
	Handler
	Policy(params domain.JSONB) domain.AdmissionPolicy
	Verb() domain.AuditVerb
}

// SecretHolder marks handlers whose params carry values that must be encrypted at rest.
type SecretHolder interface {
	SensitiveKeys() []string
}

// Registry maps task kinds to their handlers. Populated once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TaskKind]Handler)}
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := h.Kind()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, kind)
	}
	r.handlers[kind] = h
	return nil
}

func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(kind domain.TaskKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) GetOrError(kind domain.TaskKind) (Handler, error) {
	h, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerMissing, kind)
	}
	return h, nil
}

// Root returns the handler for kind only if it may be submitted on its own.
func (r *Registry) Root(kind domain.TaskKind) (RootHandler, bool) {
	h, ok := r.Get(kind)
	if !ok {
		return nil, false
	}
	root, ok := h.(RootHandler)
	return root, ok
}

func (r *Registry) Has(kind domain.TaskKind) bool {
	_, ok := r.Get(kind)
	return ok
}

func (r *Registry) Kinds() []domain.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]domain.TaskKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
