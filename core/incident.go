package core

import "time"

// IncidentStatus is the lifecycle status of an incident. Incidents are
// resolved out of band by an operator; the engine only opens them.
type IncidentStatus string

const (
	IncidentStatusOpen IncidentStatus = "OPEN"
)

// Incident records a task that exhausted its retry budget. It carries
// enough diagnostic context for manual resolution.
type Incident struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Message string `json:"message"`

	// Stack holds the captured stack trace of the failing execution.
	Stack string `json:"stack,omitempty"`

	DefinitionID string `json:"definition_id,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	Status    IncidentStatus `json:"status"`
}
