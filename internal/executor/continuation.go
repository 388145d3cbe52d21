package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/logkeys"
	"github.com/procflow/procflow/internal/metrickeys"
	"github.com/procflow/procflow/metrics"
)

// EventDispatcher receives critical events for best-effort fan-out when
// the transactional outbox is disabled.
type EventDispatcher interface {
	Dispatch(events []*core.Event)
}

// ContinuationOptions configure how stopped segments are turned into
// durable state.
type ContinuationOptions struct {
	// DefaultTaskRetries is the retry budget of newly created executable
	// tasks.
	DefaultTaskRetries int

	// StatsEnabled emits a per-node execution event for every executed
	// node.
	StatsEnabled bool

	// OutboxEnabled routes critical events through the transactional
	// outbox instead of direct dispatch.
	OutboxEnabled bool
}

// ContinuationService is the single orchestration point invoked after
// every synchronous segment. It translates the segment's outcome into
// one unit of work (task creations, task deletions, the instance
// transition and critical events) and commits it atomically.
type ContinuationService struct {
	repo       backend.Repository
	dispatcher EventDispatcher
	options    ContinuationOptions

	logger  *slog.Logger
	metrics metrics.Client
	clock   clock.Clock
}

func NewContinuationService(repo backend.Repository, dispatcher EventDispatcher, options ContinuationOptions) *ContinuationService {
	ropts := repo.Options()

	return &ContinuationService{
		repo:       repo,
		dispatcher: dispatcher,
		options:    options,
		logger:     ropts.Logger,
		metrics:    ropts.Metrics,
		clock:      ropts.Clock,
	}
}

// HandleContinuation assembles and commits the unit of work for a
// stopped segment and returns the instance's immutable snapshot. It
// performs no partial commits: if CommitWork fails, none of the
// segment's effects become durable.
func (s *ContinuationService) HandleContinuation(ctx context.Context, result *ExecutionResult) (*core.ProcessInstanceSnapshot, error) {
	now := s.clock.Now()
	instance := result.Instance
	work := &core.UnitOfWork{}

	if result.Continuation != nil {
		for _, node := range result.Continuation.Nodes {
			s.classifyNode(work, node, instance, result.Definition, now)
		}

		work.InstanceToUpdate = instance
	} else {
		instance.Complete(now)
		work.InstanceToDelete = instance
	}

	s.collectDeletions(work, result)

	// The one hot-to-immutable conversion of this segment.
	snapshot := instance.Snapshot()

	events := s.collectEvents(result, snapshot, now)
	if s.options.OutboxEnabled {
		work.CriticalEvents = events
	}

	if err := s.repo.CommitWork(ctx, work); err != nil {
		return nil, fmt.Errorf("committing unit of work: %w", err)
	}

	if !s.options.OutboxEnabled && len(events) > 0 {
		s.dispatcher.Dispatch(events)
	}

	s.recordMetrics(work, snapshot)

	s.logger.DebugContext(ctx, "committed execution segment",
		logkeys.InstanceID, instance.ID,
		"completed", snapshot.Completed(),
		"executable_tasks_created", len(work.ExecutableTasksToCreate),
		"external_tasks_created", len(work.ExternalTasksToCreate),
	)

	return snapshot, nil
}

// classifyNode turns one asynchronous continuation target into task
// records: wait states become external tasks, everything else becomes an
// executable task due immediately. Attached boundary events fan out into
// one executable task each, due after their timer duration and
// cross-referencing the host.
func (s *ContinuationService) classifyNode(work *core.UnitOfWork, node *core.FlowNode, instance *core.ProcessInstance, def *core.ProcessDefinition, now time.Time) {
	if node.WaitState() {
		ext := &core.ExternalTask{
			ID:           uuid.NewString(),
			NodeID:       node.ID,
			Name:         node.Name,
			DefinitionID: instance.DefinitionID,
			InstanceID:   instance.ID,
			Status:       core.ExternalTaskStatusActive,
			Assignee:     node.Extensions["assignee"],
			Topic:        node.Extensions["topic"],
		}

		boundary := s.boundaryTasks(def, node, ext.ID, core.AttachedKindExternal, instance, now)
		for _, b := range boundary {
			ext.BoundaryTaskIDs = append(ext.BoundaryTaskIDs, b.ID)
		}

		work.ExternalTasksToCreate = append(work.ExternalTasksToCreate, ext)
		work.ExecutableTasksToCreate = append(work.ExecutableTasksToCreate, boundary...)

		return
	}

	task := &core.ExecutableTask{
		ID:           uuid.NewString(),
		NodeID:       node.ID,
		Name:         node.Name,
		DefinitionID: instance.DefinitionID,
		InstanceID:   instance.ID,
		DueDate:      now,
		Retries:      s.options.DefaultTaskRetries,
		Status:       core.TaskStatusPending,
	}

	boundary := s.boundaryTasks(def, node, task.ID, core.AttachedKindExecutable, instance, now)
	for _, b := range boundary {
		task.BoundaryTaskIDs = append(task.BoundaryTaskIDs, b.ID)
	}

	work.ExecutableTasksToCreate = append(work.ExecutableTasksToCreate, task)
	work.ExecutableTasksToCreate = append(work.ExecutableTasksToCreate, boundary...)
}

// boundaryTasks creates one executable task per boundary event attached
// to host. Each carries a due date computed from its timer duration and a
// back-reference to the host task; siblings reference each other so that
// completing any one of them cancels the rest.
func (s *ContinuationService) boundaryTasks(def *core.ProcessDefinition, host *core.FlowNode, hostTaskID string, hostKind core.AttachedKind, instance *core.ProcessInstance, now time.Time) []*core.ExecutableTask {
	if len(host.BoundaryEventIDs) == 0 {
		return nil
	}

	tasks := make([]*core.ExecutableTask, 0, len(host.BoundaryEventIDs))

	for _, bid := range host.BoundaryEventIDs {
		bnode, err := def.Node(bid)
		if err != nil {
			// Attachments are validated at deploy time.
			continue
		}

		tasks = append(tasks, &core.ExecutableTask{
			ID:             uuid.NewString(),
			NodeID:         bnode.ID,
			Name:           bnode.Name,
			DefinitionID:   instance.DefinitionID,
			InstanceID:     instance.ID,
			DueDate:        now.Add(bnode.TimerDuration),
			Retries:        s.options.DefaultTaskRetries,
			Status:         core.TaskStatusPending,
			AttachedToID:   hostTaskID,
			AttachedToKind: hostKind,
		})
	}

	for _, t := range tasks {
		for _, sibling := range tasks {
			if sibling.ID != t.ID {
				t.BoundaryTaskIDs = append(t.BoundaryTaskIDs, sibling.ID)
			}
		}
	}

	return tasks
}

// collectDeletions adds the segment-triggering task and its boundary
// siblings to the deletion set; a completed boundary task also deletes
// its host. This cross-deletion is the cancellation mechanism for
// interruptive boundary events.
func (s *ContinuationService) collectDeletions(work *core.UnitOfWork, result *ExecutionResult) {
	if t := result.CompletedExecutable; t != nil {
		work.ExecutableTaskIDsToDelete = append(work.ExecutableTaskIDsToDelete, t.ID)
		work.ExecutableTaskIDsToDelete = append(work.ExecutableTaskIDsToDelete, t.BoundaryTaskIDs...)

		if t.AttachedToID != "" {
			switch t.AttachedToKind {
			case core.AttachedKindExternal:
				work.ExternalTaskIDsToDelete = append(work.ExternalTaskIDsToDelete, t.AttachedToID)
			case core.AttachedKindExecutable:
				work.ExecutableTaskIDsToDelete = append(work.ExecutableTaskIDsToDelete, t.AttachedToID)
			}
		}
	}

	if t := result.CompletedExternal; t != nil {
		work.ExternalTaskIDsToDelete = append(work.ExternalTaskIDsToDelete, t.ID)
		work.ExecutableTaskIDsToDelete = append(work.ExecutableTaskIDsToDelete, t.BoundaryTaskIDs...)
	}
}

func (s *ContinuationService) collectEvents(result *ExecutionResult, snapshot *core.ProcessInstanceSnapshot, now time.Time) []*core.Event {
	var events []*core.Event

	if s.options.StatsEnabled {
		for _, nodeID := range result.ExecutedNodeIDs {
			events = append(events, &core.Event{
				ID:         uuid.NewString(),
				Type:       core.EventTypeNodeExecuted,
				InstanceID: snapshot.ID,
				NodeID:     nodeID,
				Timestamp:  now,
			})
		}
	}

	if snapshot.Completed() {
		events = append(events, &core.Event{
			ID:         uuid.NewString(),
			Type:       core.EventTypeProcessInstanceFinished,
			InstanceID: snapshot.ID,
			Timestamp:  now,
			Snapshot:   snapshot,
		})
	}

	return events
}

func (s *ContinuationService) recordMetrics(work *core.UnitOfWork, snapshot *core.ProcessInstanceSnapshot) {
	if n := len(work.ExecutableTasksToCreate); n > 0 {
		s.metrics.Counter(metrickeys.ExecutableTaskCreated, metrics.Tags{}, float64(n))
	}

	if n := len(work.ExternalTasksToCreate); n > 0 {
		s.metrics.Counter(metrickeys.ExternalTaskCreated, metrics.Tags{}, float64(n))
	}

	if snapshot.Completed() {
		s.metrics.Counter(metrickeys.ProcessInstanceFinished, metrics.Tags{}, 1)
	}
}
