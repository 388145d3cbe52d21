package registry

import (
	"fmt"
	"sync"

	"github.com/procflow/procflow/core"
)

// Registry maps logical names to delegates and decision rules. It is
// constructed at startup and passed by reference into the engine; there
// is no runtime framework lookup.
type Registry struct {
	sync.Mutex

	delegateMap map[string]core.Delegate
	ruleMap     map[string]core.DecisionRule
}

// New creates a new registry instance.
func New() *Registry {
	return &Registry{
		delegateMap: make(map[string]core.Delegate),
		ruleMap:     make(map[string]core.DecisionRule),
	}
}

// RegisterDelegate registers business logic under a logical name.
func (r *Registry) RegisterDelegate(name string, delegate core.Delegate) error {
	if name == "" {
		return &ErrInvalidRegistration{"delegate name must not be empty"}
	}

	if delegate == nil {
		return &ErrInvalidRegistration{"delegate must not be nil"}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.delegateMap[name]; ok {
		return &ErrDelegateAlreadyRegistered{fmt.Sprintf("delegate with name %q already registered", name)}
	}
	r.delegateMap[name] = delegate

	return nil
}

// RegisterDelegateFunc registers a plain function as a delegate.
func (r *Registry) RegisterDelegateFunc(name string, f core.DelegateFunc) error {
	return r.RegisterDelegate(name, f)
}

// RegisterRule registers a decision rule under a logical name.
func (r *Registry) RegisterRule(name string, rule core.DecisionRule) error {
	if name == "" {
		return &ErrInvalidRegistration{"rule name must not be empty"}
	}

	if rule == nil {
		return &ErrInvalidRegistration{"rule must not be nil"}
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.ruleMap[name]; ok {
		return &ErrRuleAlreadyRegistered{fmt.Sprintf("rule with name %q already registered", name)}
	}
	r.ruleMap[name] = rule

	return nil
}

// ResolveDelegate returns the delegate registered under name, or false
// when none is registered.
func (r *Registry) ResolveDelegate(name string) (core.Delegate, bool) {
	r.Lock()
	defer r.Unlock()

	d, ok := r.delegateMap[name]

	return d, ok
}

// ResolveRule returns the decision rule registered under name, or false
// when none is registered.
func (r *Registry) ResolveRule(name string) (core.DecisionRule, bool) {
	r.Lock()
	defer r.Unlock()

	rule, ok := r.ruleMap[name]

	return rule, ok
}
