package core

import (
	"maps"
	"time"
)

// InstanceState is the lifecycle state of a process instance. The only
// legal transition is Active to Completed.
type InstanceState string

const (
	InstanceStateActive    InstanceState = "ACTIVE"
	InstanceStateCompleted InstanceState = "COMPLETED"
)

// ProcessInstance is the hot, mutable execution-time representation of a
// running process. It is exclusively owned by the execution segment that
// loaded it; it must never be shared across segments or escape the
// execution loop. Cross-component communication uses Snapshot.
type ProcessInstance struct {
	ID            string         `json:"id"`
	BusinessKey   string         `json:"business_key,omitempty"`
	State         InstanceState  `json:"state"`
	DefinitionID  string         `json:"definition_id"`
	Variables     map[string]any `json:"variables,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	BusinessValue string         `json:"business_value,omitempty"`
}

// Variable returns the named instance variable.
func (pi *ProcessInstance) Variable(name string) (any, bool) {
	v, ok := pi.Variables[name]
	return v, ok
}

// SetVariable sets an instance variable.
func (pi *ProcessInstance) SetVariable(name string, value any) {
	if pi.Variables == nil {
		pi.Variables = map[string]any{}
	}

	pi.Variables[name] = value
}

// RemoveVariable removes an instance variable.
func (pi *ProcessInstance) RemoveVariable(name string) {
	delete(pi.Variables, name)
}

// Complete transitions the instance to Completed and records the end
// timestamp. Completing an already completed instance is a no-op.
func (pi *ProcessInstance) Complete(now time.Time) {
	if pi.State == InstanceStateCompleted {
		return
	}

	pi.State = InstanceStateCompleted
	pi.EndedAt = &now
}

// Snapshot takes an immutable value copy of the instance for use across
// the transaction boundary. The copy does not alias the hot variable map.
func (pi *ProcessInstance) Snapshot() *ProcessInstanceSnapshot {
	s := &ProcessInstanceSnapshot{
		ID:            pi.ID,
		BusinessKey:   pi.BusinessKey,
		State:         pi.State,
		DefinitionID:  pi.DefinitionID,
		Variables:     maps.Clone(pi.Variables),
		StartedAt:     pi.StartedAt,
		Tenant:        pi.Tenant,
		BusinessValue: pi.BusinessValue,
	}

	if pi.EndedAt != nil {
		t := *pi.EndedAt
		s.EndedAt = &t
	}

	return s
}

// Clone returns an independent hot copy, used by repositories to hand each
// execution segment its own instance.
func (pi *ProcessInstance) Clone() *ProcessInstance {
	c := *pi
	c.Variables = maps.Clone(pi.Variables)

	if pi.EndedAt != nil {
		t := *pi.EndedAt
		c.EndedAt = &t
	}

	return &c
}

// ProcessInstanceSnapshot is the immutable representation of a process
// instance, taken exactly once per segment at the transaction boundary.
// It is never mutated after construction.
type ProcessInstanceSnapshot struct {
	ID            string         `json:"id"`
	BusinessKey   string         `json:"business_key,omitempty"`
	State         InstanceState  `json:"state"`
	DefinitionID  string         `json:"definition_id"`
	Variables     map[string]any `json:"variables,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	BusinessValue string         `json:"business_value,omitempty"`
}

// Completed reports whether the snapshot captured a finished instance.
func (s *ProcessInstanceSnapshot) Completed() bool {
	return s.State == InstanceStateCompleted
}
