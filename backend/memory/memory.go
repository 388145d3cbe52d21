// Package memory provides an in-memory repository, used for tests and
// single-process embedding. All operations are serialized on one mutex;
// CommitWork validates its deletion set so that of two racing segments
// of the same instance only the first one commits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

type memoryRepository struct {
	mu sync.Mutex

	options backend.Options

	definitions map[string]*core.ProcessDefinition
	latestByKey map[string]string

	instances map[string]*core.ProcessInstance
	history   map[string]*core.ProcessInstanceSnapshot

	executableTasks map[string]*core.ExecutableTask
	externalTasks   map[string]*core.ExternalTask

	incidents map[string][]*core.Incident

	outbox []*outboxEntry
}

type outboxEntry struct {
	event       *core.Event
	batchID     string
	lockedUntil time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(opts ...backend.BackendOption) backend.Repository {
	return &memoryRepository{
		options:         backend.ApplyOptions(opts...),
		definitions:     map[string]*core.ProcessDefinition{},
		latestByKey:     map[string]string{},
		instances:       map[string]*core.ProcessInstance{},
		history:         map[string]*core.ProcessInstanceSnapshot{},
		executableTasks: map[string]*core.ExecutableTask{},
		externalTasks:   map[string]*core.ExternalTask{},
		incidents:       map[string][]*core.Incident{},
	}
}

func (r *memoryRepository) Options() *backend.Options {
	return &r.options
}

func (r *memoryRepository) Close() error {
	return nil
}

func (r *memoryRepository) CreateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[instance.ID]; ok {
		return backend.ErrInstanceExists
	}

	r.instances[instance.ID] = instance.Clone()

	return nil
}

func (r *memoryRepository) FindProcessInstanceByID(ctx context.Context, id string) (*core.ProcessInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[id]
	if !ok {
		return nil, backend.ErrInstanceNotFound
	}

	return instance.Clone(), nil
}

func (r *memoryRepository) FindProcessInstanceSnapshotByID(ctx context.Context, id string) (*core.ProcessInstanceSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance, ok := r.instances[id]; ok {
		return instance.Snapshot(), nil
	}

	if snapshot, ok := r.history[id]; ok {
		return snapshot, nil
	}

	return nil, backend.ErrInstanceNotFound
}

func (r *memoryRepository) UpdateProcessInstance(ctx context.Context, instance *core.ProcessInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.updateInstanceLocked(instance)
}

func (r *memoryRepository) updateInstanceLocked(instance *core.ProcessInstance) error {
	if _, ok := r.instances[instance.ID]; !ok {
		return backend.ErrInstanceNotFound
	}

	r.instances[instance.ID] = instance.Clone()

	return nil
}

func (r *memoryRepository) DeleteProcessInstanceByID(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return backend.ErrInstanceNotFound
	}

	delete(r.instances, id)

	return nil
}

func (r *memoryRepository) SaveProcessDefinition(ctx context.Context, def *core.ProcessDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[def.ID] = def

	latest, ok := r.definitions[r.latestByKey[def.Key]]
	if !ok || def.Version >= latest.Version {
		r.latestByKey[def.Key] = def.ID
	}

	return nil
}

func (r *memoryRepository) FindProcessDefinitionByID(ctx context.Context, id string) (*core.ProcessDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[id]
	if !ok {
		return nil, backend.ErrDefinitionNotFound
	}

	return def, nil
}

func (r *memoryRepository) FindLatestProcessDefinitionByKey(ctx context.Context, key string) (*core.ProcessDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[r.latestByKey[key]]
	if !ok {
		return nil, backend.ErrDefinitionNotFound
	}

	return def, nil
}

func (r *memoryRepository) CreateExecutableTask(ctx context.Context, task *core.ExecutableTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := *task
	r.executableTasks[task.ID] = &t

	return nil
}

func (r *memoryRepository) CreateExternalTask(ctx context.Context, task *core.ExternalTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := *task
	r.externalTasks[task.ID] = &t

	return nil
}

func (r *memoryRepository) FindExternalTaskByID(ctx context.Context, id string) (*core.ExternalTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.externalTasks[id]
	if !ok {
		return nil, backend.ErrExternalTaskNotFound
	}

	t := *task

	return &t, nil
}

func (r *memoryRepository) FindExternalTasksByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.ExternalTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []*core.ExternalTask
	for _, task := range r.externalTasks {
		if task.InstanceID == instanceID {
			t := *task
			tasks = append(tasks, &t)
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

func (r *memoryRepository) FindAndLockDueTasks(ctx context.Context, now time.Time, limit int, workerID string) ([]*core.ExecutableTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*core.ExecutableTask
	for _, task := range r.executableTasks {
		if r.dueLocked(task, now) {
			due = append(due, task)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].DueDate.Before(due[j].DueDate) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*core.ExecutableTask, 0, len(due))
	for _, task := range due {
		task.Status = core.TaskStatusLocked
		task.ExecutorID = workerID
		acquired := now
		task.AcquiredAt = &acquired

		t := *task
		claimed = append(claimed, &t)
	}

	return claimed, nil
}

// dueLocked reports whether a task is eligible for acquisition: pending
// and due, or locked with an expired lease (stale-lock reclaim).
func (r *memoryRepository) dueLocked(task *core.ExecutableTask, now time.Time) bool {
	switch task.Status {
	case core.TaskStatusPending:
		return !task.DueDate.After(now)

	case core.TaskStatusLocked:
		return task.AcquiredAt != nil && !task.AcquiredAt.Add(r.options.TaskLockTimeout).After(now)
	}

	return false
}

func (r *memoryRepository) UpdateExecutableTaskRetries(ctx context.Context, id string, retriesLeft int, nextDue time.Time, errorMessage string, status core.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.executableTasks[id]
	if !ok {
		return backend.ErrTaskNotFound
	}

	task.Retries = retriesLeft
	task.DueDate = nextDue
	task.ErrorMessage = errorMessage
	task.Status = status
	task.ExecutorID = ""
	task.AcquiredAt = nil

	return nil
}

func (r *memoryRepository) UpdateExecutableTaskStatus(ctx context.Context, id string, status core.TaskStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.executableTasks[id]
	if !ok {
		return backend.ErrTaskNotFound
	}

	task.Status = status
	task.ErrorMessage = errorMessage

	return nil
}

func (r *memoryRepository) FindIncidentsByProcessInstanceID(ctx context.Context, instanceID string) ([]*core.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*core.Incident(nil), r.incidents[instanceID]...), nil
}

func (r *memoryRepository) CommitWork(ctx context.Context, work *core.UnitOfWork) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if work.InstanceToUpdate != nil && work.InstanceToDelete != nil {
		return fmt.Errorf("unit of work updates and deletes an instance")
	}

	// Validate before applying anything so the commit is all-or-nothing.
	// A missing task in the deletion set means another segment of this
	// instance committed first; the whole segment is discarded.
	for _, id := range work.ExecutableTaskIDsToDelete {
		if _, ok := r.executableTasks[id]; !ok {
			return fmt.Errorf("executable task %s: %w", id, backend.ErrTaskNotFound)
		}
	}

	for _, id := range work.ExternalTaskIDsToDelete {
		if _, ok := r.externalTasks[id]; !ok {
			return fmt.Errorf("external task %s: %w", id, backend.ErrExternalTaskNotFound)
		}
	}

	if work.InstanceToUpdate != nil {
		if _, ok := r.instances[work.InstanceToUpdate.ID]; !ok {
			return backend.ErrInstanceNotFound
		}
	}

	if work.InstanceToDelete != nil {
		if _, ok := r.instances[work.InstanceToDelete.ID]; !ok {
			return backend.ErrInstanceNotFound
		}
	}

	if work.InstanceToUpdate != nil {
		if err := r.updateInstanceLocked(work.InstanceToUpdate); err != nil {
			return err
		}
	}

	if work.InstanceToDelete != nil {
		delete(r.instances, work.InstanceToDelete.ID)
		r.history[work.InstanceToDelete.ID] = work.InstanceToDelete.Snapshot()
	}

	for _, task := range work.ExecutableTasksToCreate {
		t := *task
		r.executableTasks[task.ID] = &t
	}

	for _, task := range work.ExternalTasksToCreate {
		t := *task
		r.externalTasks[task.ID] = &t
	}

	for _, id := range work.ExecutableTaskIDsToDelete {
		delete(r.executableTasks, id)
	}

	for _, id := range work.ExternalTaskIDsToDelete {
		delete(r.externalTasks, id)
	}

	for _, incident := range work.IncidentsToCreate {
		i := *incident
		r.incidents[incident.InstanceID] = append(r.incidents[incident.InstanceID], &i)
	}

	for _, event := range work.CriticalEvents {
		r.outbox = append(r.outbox, &outboxEntry{event: event})
	}

	return nil
}

func (r *memoryRepository) GetStats(ctx context.Context) (*backend.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &backend.Stats{
		ActiveProcessInstances: int64(len(r.instances)),
		OpenExternalTasks:      int64(len(r.externalTasks)),
	}

	for _, task := range r.executableTasks {
		if task.Status == core.TaskStatusPending {
			stats.PendingExecutableTasks++
		}
	}

	for _, incidents := range r.incidents {
		for _, i := range incidents {
			if i.Status == core.IncidentStatusOpen {
				stats.OpenIncidents++
			}
		}
	}

	return stats, nil
}

func (r *memoryRepository) ReadAndLockNextOutboxBatch(ctx context.Context, n int) (*core.OutboxBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.options.Clock.Now()
	batchID := uuid.NewString()

	var events []*core.Event
	for _, entry := range r.outbox {
		if entry.lockedUntil.After(now) {
			continue
		}

		entry.batchID = batchID
		entry.lockedUntil = now.Add(r.options.OutboxLockTimeout)
		events = append(events, entry.event)

		if len(events) == n {
			break
		}
	}

	if len(events) == 0 {
		return nil, nil
	}

	return &core.OutboxBatch{ID: batchID, Events: events}, nil
}

func (r *memoryRepository) ConfirmOutboxBatch(ctx context.Context, batch *core.OutboxBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.outbox[:0]
	for _, entry := range r.outbox {
		if entry.batchID != batch.ID {
			remaining = append(remaining, entry)
		}
	}
	r.outbox = remaining

	return nil
}
