package core

import "time"

// TaskStatus is the lifecycle status of an executable task.
type TaskStatus string

const (
	// TaskStatusPending marks a task eligible for acquisition once due.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusLocked marks a task claimed by a worker. Locked tasks
	// whose lock lease expires become eligible again.
	TaskStatusLocked TaskStatus = "LOCKED"
	// TaskStatusError marks a task that exhausted its retry budget. The
	// acquirer never selects it again; an incident references it.
	TaskStatusError TaskStatus = "ERROR"
)

// AttachedKind identifies the kind of host task a boundary-event task is
// attached to.
type AttachedKind string

const (
	AttachedKindExecutable AttachedKind = "executable"
	AttachedKindExternal   AttachedKind = "external"
)

// ExecutableTask is an internal job: a suspended continuation that the
// task acquirer claims and resumes. Created by the continuation service,
// deleted when its segment commits or when a sibling boundary task
// completes first.
type ExecutableTask struct {
	ID           string `json:"id"`
	NodeID       string `json:"node_id"`
	Name         string `json:"name,omitempty"`
	DefinitionID string `json:"definition_id"`
	InstanceID   string `json:"instance_id"`

	DueDate      time.Time  `json:"due_date"`
	Retries      int        `json:"retries"`
	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// ExecutorID and AcquiredAt identify the worker holding the lock and
	// when it was taken, for stale-lock reclaim.
	ExecutorID string     `json:"executor_id,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`

	// AttachedToID links a boundary-event task to its host task.
	// Completing either side cancels the other.
	AttachedToID   string       `json:"attached_to_id,omitempty"`
	AttachedToKind AttachedKind `json:"attached_to_kind,omitempty"`

	// BoundaryTaskIDs lists sibling boundary-event tasks created together
	// with this task.
	BoundaryTaskIDs []string `json:"boundary_task_ids,omitempty"`
}

// ExternalTaskStatus is the lifecycle status of an external task.
type ExternalTaskStatus string

const (
	ExternalTaskStatusActive ExternalTaskStatus = "ACTIVE"
)

// ExternalTask is a wait state: work awaiting an outside actor, for
// example a human task. Created by the continuation service, completed by
// an explicit external trigger carrying variables, at which point it is
// deleted together with its boundary-event tasks.
type ExternalTask struct {
	ID           string `json:"id"`
	NodeID       string `json:"node_id"`
	Name         string `json:"name,omitempty"`
	DefinitionID string `json:"definition_id"`
	InstanceID   string `json:"instance_id"`

	Status   ExternalTaskStatus `json:"status"`
	Assignee string             `json:"assignee,omitempty"`
	Topic    string             `json:"topic,omitempty"`

	BoundaryTaskIDs []string `json:"boundary_task_ids,omitempty"`
}
