package scan

import (
	"sync"

	"github.com/yairfalse/posture/internal/account"
	"github.com/yairfalse/posture/internal/filter"
)

// Factory builds a Target borrowing acct.
type Factory func(acct *account.Account) Target

// Registry holds the resource types known to the scanner, in registration order.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	global    map[string]bool
	order     []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory), global: make(map[string]bool)}
}

// Register adds a resource type. Registering a name again replaces its factory.
func (r *Registry) Register(name string, f Factory) {
	r.register(name, f, false)
}

// RegisterGlobal adds a resource type that is the same in every region.
// It is built by GlobalTargets only.
func (r *Registry) RegisterGlobal(name string, f Factory) {
	r.register(name, f, true)
}

func (r *Registry) register(name string, f Factory, global bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; !ok {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
	r.global[name] = global
}

// IsGlobal reports whether name was registered with RegisterGlobal.
func (r *Registry) IsGlobal(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global[name]
}

// Get returns the factory for name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns all registered resource types in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Targets builds one Target per registered regional type that f admits,
// all borrowing acct.
func (r *Registry) Targets(acct *account.Account, f *filter.Filter) []Target {
	return r.targets(acct, f, false)
}

// GlobalTargets builds one Target per registered global type that f admits.
// Callers build them once, from any one account.
func (r *Registry) GlobalTargets(acct *account.Account, f *filter.Filter) []Target {
	return r.targets(acct, f, true)
}

func (r *Registry) targets(acct *account.Account, f *filter.Filter, global bool) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]Target, 0, len(r.order))
	for _, name := range r.order {
		if r.global[name] != global || !f.ShouldCheckType(name) {
			continue
		}
		targets = append(targets, WithFilter(r.factories[name](acct), f))
	}
	return targets
}
