package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow/procflow/core"
)

var (
	ErrInstanceNotFound     = errors.New("process instance not found")
	ErrInstanceExists       = errors.New("process instance already exists")
	ErrDefinitionNotFound   = errors.New("process definition not found")
	ErrExternalTaskNotFound = errors.New("external task not found")
	ErrTaskNotFound         = errors.New("executable task not found")

	// ErrInstanceLocked is returned by CommitWork when another segment of
	// the same instance holds the commit lock. Only one segment per
	// instance may commit at a time.
	ErrInstanceLocked = errors.New("process instance is locked by another segment")
)

// ErrNotSupported is returned for operations a repository implementation
// does not provide, for example the outbox on a backend without
// transactional event storage.
type ErrNotSupported struct {
	Message string
}

func (e ErrNotSupported) Error() string {
	return fmt.Sprintf("not supported: %s", e.Message)
}

const TracerName = "procflow"

// Repository is the persistence boundary of the engine. Implementations
// must make CommitWork atomic per unit of work and FindAndLockDueTasks
// atomic per returned task, and must reject concurrent commits for the
// same process instance.
type Repository interface {
	// CreateProcessInstance stores a new, active process instance.
	CreateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error

	// FindProcessInstanceByID loads an independent hot copy of an active
	// instance for an execution segment.
	FindProcessInstanceByID(ctx context.Context, id string) (*core.ProcessInstance, error)

	// FindProcessInstanceSnapshotByID returns a snapshot of an active or
	// historic instance.
	FindProcessInstanceSnapshotByID(ctx context.Context, id string) (*core.ProcessInstanceSnapshot, error)

	// UpdateProcessInstance overwrites an active instance.
	UpdateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error

	// DeleteProcessInstanceByID removes an instance from active storage.
	DeleteProcessInstanceByID(ctx context.Context, id string) error

	// SaveProcessDefinition stores an immutable definition version.
	SaveProcessDefinition(ctx context.Context, def *core.ProcessDefinition) error

	// FindProcessDefinitionByID loads a definition by id.
	FindProcessDefinitionByID(ctx context.Context, id string) (*core.ProcessDefinition, error)

	// FindLatestProcessDefinitionByKey loads the highest version deployed
	// under the given key.
	FindLatestProcessDefinitionByKey(ctx context.Context, key string) (*core.ProcessDefinition, error)

	// CreateExecutableTask stores a new internal job.
	CreateExecutableTask(ctx context.Context, task *core.ExecutableTask) error

	// CreateExternalTask stores a new wait-state task.
	CreateExternalTask(ctx context.Context, task *core.ExternalTask) error

	// FindExternalTaskByID loads a single external task.
	FindExternalTaskByID(ctx context.Context, id string) (*core.ExternalTask, error)

	// FindExternalTasksByProcessInstanceID lists the open external tasks
	// of an instance.
	FindExternalTasksByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.ExternalTask, error)

	// FindAndLockDueTasks atomically claims up to limit executable tasks
	// that are pending and due, ordered by due date, tagging them with
	// the worker id. Locked tasks whose lease (Options.TaskLockTimeout)
	// has expired are reclaimed as due.
	FindAndLockDueTasks(ctx context.Context, now time.Time, limit int, workerID string) ([]*core.ExecutableTask, error)

	// UpdateExecutableTaskRetries records a retry: remaining retries, the
	// next due date, the error message, and the reset status.
	UpdateExecutableTaskRetries(ctx context.Context, id string, retriesLeft int, nextDue time.Time, errorMessage string, status core.TaskStatus) error

	// UpdateExecutableTaskStatus updates a task's status and error
	// message.
	UpdateExecutableTaskStatus(ctx context.Context, id string, status core.TaskStatus, errorMessage string) error

	// FindIncidentsByProcessInstanceID lists the incidents of an instance.
	FindIncidentsByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.Incident, error)

	// CommitWork applies a unit of work atomically. A completed instance
	// (InstanceToDelete) is removed from active storage and its snapshot
	// is retained in history.
	CommitWork(ctx context.Context, work *core.UnitOfWork) error

	// GetStats returns counts of active instances and open tasks.
	GetStats(ctx context.Context) (*Stats, error)

	// Options returns the configured options for the repository.
	Options() *Options

	// Close closes any underlying resources.
	Close() error
}

// OutboxReader is the relay-facing side of the transactional outbox.
// Repositories that support outbox storage implement it in addition to
// Repository.
type OutboxReader interface {
	// ReadAndLockNextOutboxBatch read-locks up to n undelivered events.
	// It returns nil when no events are pending.
	ReadAndLockNextOutboxBatch(ctx context.Context, n int) (*core.OutboxBatch, error)

	// ConfirmOutboxBatch marks a batch as delivered. Unconfirmed batches
	// become readable again after the lock lease expires.
	ConfirmOutboxBatch(ctx context.Context, batch *core.OutboxBatch) error
}
