package test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/core"
)

// RepositoryTest runs the conformance suite every Repository implementation
// must pass. setup receives per-test options so individual cases can shorten
// lock leases or substitute a mock clock.
func RepositoryTest(
	t *testing.T,
	setup func(opts ...backend.BackendOption) backend.Repository,
	teardown func(r backend.Repository),
) {
	tests := []struct {
		name    string
		options []backend.BackendOption
		f       func(t *testing.T, ctx context.Context, r backend.Repository)
	}{
		{
			name: "FindProcessInstanceByID_NotFound",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				_, err := r.FindProcessInstanceByID(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "CreateProcessInstance_RoundTrips",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				instance.BusinessKey = "order-4711"
				instance.Variables = map[string]any{"amount": "120"}

				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				found, err := r.FindProcessInstanceByID(ctx, instance.ID)
				require.NoError(t, err)
				require.Equal(t, instance.ID, found.ID)
				require.Equal(t, "order-4711", found.BusinessKey)
				require.Equal(t, core.InstanceStateActive, found.State)
				require.Equal(t, "120", found.Variables["amount"])
			},
		},
		{
			name: "CreateProcessInstance_DuplicateErrors",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()

				require.NoError(t, r.CreateProcessInstance(ctx, instance))
				require.ErrorIs(t, r.CreateProcessInstance(ctx, instance), backend.ErrInstanceExists)
			},
		},
		{
			name: "FindProcessInstanceByID_ReturnsIndependentCopy",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				instance.Variables = map[string]any{"a": "1"}
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				first, err := r.FindProcessInstanceByID(ctx, instance.ID)
				require.NoError(t, err)
				first.SetVariable("a", "mutated")

				second, err := r.FindProcessInstanceByID(ctx, instance.ID)
				require.NoError(t, err)
				require.Equal(t, "1", second.Variables["a"])
			},
		},
		{
			name: "UpdateProcessInstance_NotFoundErrors",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				err := r.UpdateProcessInstance(ctx, newInstance())
				require.ErrorIs(t, err, backend.ErrInstanceNotFound)
			},
		},
		{
			name: "SaveProcessDefinition_LatestByKey",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				key := "def-" + uuid.NewString()

				v1 := newDefinition(key, 1)
				v2 := newDefinition(key, 2)
				require.NoError(t, r.SaveProcessDefinition(ctx, v1))
				require.NoError(t, r.SaveProcessDefinition(ctx, v2))

				latest, err := r.FindLatestProcessDefinitionByKey(ctx, key)
				require.NoError(t, err)
				require.Equal(t, v2.ID, latest.ID)
				require.Equal(t, 2, latest.Version)

				byID, err := r.FindProcessDefinitionByID(ctx, v1.ID)
				require.NoError(t, err)
				require.Equal(t, 1, byID.Version)
			},
		},
		{
			name: "FindLatestProcessDefinitionByKey_NotFound",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				_, err := r.FindLatestProcessDefinitionByKey(ctx, uuid.NewString())
				require.ErrorIs(t, err, backend.ErrDefinitionNotFound)
			},
		},
		{
			name: "FindAndLockDueTasks_ClaimsOnlyDuePendingTasks",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				now := time.Now()

				due := newTask(now.Add(-time.Second))
				future := newTask(now.Add(time.Hour))
				failed := newTask(now.Add(-time.Second))
				failed.Status = core.TaskStatusError

				require.NoError(t, r.CreateExecutableTask(ctx, due))
				require.NoError(t, r.CreateExecutableTask(ctx, future))
				require.NoError(t, r.CreateExecutableTask(ctx, failed))

				locked, err := r.FindAndLockDueTasks(ctx, now, 10, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)
				require.Equal(t, due.ID, locked[0].ID)
				require.Equal(t, core.TaskStatusLocked, locked[0].Status)
				require.Equal(t, "worker-a", locked[0].ExecutorID)
				require.NotNil(t, locked[0].AcquiredAt)
			},
		},
		{
			name: "FindAndLockDueTasks_OrdersByDueDateAndHonorsLimit",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				now := time.Now()

				later := newTask(now.Add(-time.Second))
				earlier := newTask(now.Add(-time.Hour))
				require.NoError(t, r.CreateExecutableTask(ctx, later))
				require.NoError(t, r.CreateExecutableTask(ctx, earlier))

				locked, err := r.FindAndLockDueTasks(ctx, now, 1, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)
				require.Equal(t, earlier.ID, locked[0].ID)
			},
		},
		{
			name: "FindAndLockDueTasks_SecondWorkerGetsNothing",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				now := time.Now()
				require.NoError(t, r.CreateExecutableTask(ctx, newTask(now.Add(-time.Second))))

				locked, err := r.FindAndLockDueTasks(ctx, now, 10, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)

				locked, err = r.FindAndLockDueTasks(ctx, now, 10, "worker-b")
				require.NoError(t, err)
				require.Empty(t, locked)
			},
		},
		{
			name:    "FindAndLockDueTasks_ReclaimsExpiredLease",
			options: []backend.BackendOption{backend.WithTaskLockTimeout(time.Minute)},
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				now := time.Now()
				require.NoError(t, r.CreateExecutableTask(ctx, newTask(now.Add(-time.Second))))

				locked, err := r.FindAndLockDueTasks(ctx, now, 10, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)

				// Within the lease the lock holds.
				locked2, err := r.FindAndLockDueTasks(ctx, now.Add(30*time.Second), 10, "worker-b")
				require.NoError(t, err)
				require.Empty(t, locked2)

				// After the lease expires the task is claimed again.
				locked3, err := r.FindAndLockDueTasks(ctx, now.Add(2*time.Minute), 10, "worker-b")
				require.NoError(t, err)
				require.Len(t, locked3, 1)
				require.Equal(t, "worker-b", locked3[0].ExecutorID)
			},
		},
		{
			name: "UpdateExecutableTaskRetries_MakesTaskDueAgain",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				now := time.Now()
				task := newTask(now.Add(-time.Second))
				require.NoError(t, r.CreateExecutableTask(ctx, task))

				locked, err := r.FindAndLockDueTasks(ctx, now, 10, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)

				nextDue := now.Add(10 * time.Second)
				err = r.UpdateExecutableTaskRetries(ctx, task.ID, 2, nextDue, "boom", core.TaskStatusPending)
				require.NoError(t, err)

				locked, err = r.FindAndLockDueTasks(ctx, now.Add(time.Second), 10, "worker-a")
				require.NoError(t, err)
				require.Empty(t, locked)

				locked, err = r.FindAndLockDueTasks(ctx, nextDue.Add(time.Second), 10, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)
				require.Equal(t, 2, locked[0].Retries)
				require.Equal(t, "boom", locked[0].ErrorMessage)
			},
		},
		{
			name: "UpdateExecutableTaskStatus_ErrorTaskStaysParked",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				now := time.Now()
				task := newTask(now.Add(-time.Second))
				require.NoError(t, r.CreateExecutableTask(ctx, task))

				err := r.UpdateExecutableTaskStatus(ctx, task.ID, core.TaskStatusError, "gave up")
				require.NoError(t, err)

				locked, err := r.FindAndLockDueTasks(ctx, now.Add(time.Hour), 10, "worker-a")
				require.NoError(t, err)
				require.Empty(t, locked)
			},
		},
		{
			name: "CommitWork_AppliesAllWrites",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				now := time.Now()
				exec := newTask(now)
				exec.InstanceID = instance.ID
				external := newExternalTask(instance.ID)

				instance.SetVariable("stage", "waiting")

				err := r.CommitWork(ctx, &core.UnitOfWork{
					InstanceToUpdate:        instance,
					ExecutableTasksToCreate: []*core.ExecutableTask{exec},
					ExternalTasksToCreate:   []*core.ExternalTask{external},
				})
				require.NoError(t, err)

				found, err := r.FindProcessInstanceByID(ctx, instance.ID)
				require.NoError(t, err)
				require.Equal(t, "waiting", found.Variables["stage"])

				tasks, err := r.FindExternalTasksByProcessInstanceID(ctx, instance.ID)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, external.ID, tasks[0].ID)

				locked, err := r.FindAndLockDueTasks(ctx, now.Add(time.Second), 10, "worker-a")
				require.NoError(t, err)
				require.Len(t, locked, 1)
				require.Equal(t, exec.ID, locked[0].ID)
			},
		},
		{
			name: "CommitWork_MissingDeletionRollsBackEverything",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				now := time.Now()
				existing := newTask(now)
				existing.InstanceID = instance.ID
				require.NoError(t, r.CreateExecutableTask(ctx, existing))

				created := newExternalTask(instance.ID)

				err := r.CommitWork(ctx, &core.UnitOfWork{
					InstanceToUpdate:          instance,
					ExternalTasksToCreate:     []*core.ExternalTask{created},
					ExecutableTaskIDsToDelete: []string{existing.ID, uuid.NewString()},
				})
				require.ErrorIs(t, err, backend.ErrTaskNotFound)

				// The partial deletion must not have been applied.
				locked, lockErr := r.FindAndLockDueTasks(ctx, now.Add(time.Second), 10, "worker-a")
				require.NoError(t, lockErr)
				require.Len(t, locked, 1)
				require.Equal(t, existing.ID, locked[0].ID)

				tasks, findErr := r.FindExternalTasksByProcessInstanceID(ctx, instance.ID)
				require.NoError(t, findErr)
				require.Empty(t, tasks)
			},
		},
		{
			name: "CommitWork_CompletedInstanceMovesToHistory",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				instance.Complete(time.Now())

				err := r.CommitWork(ctx, &core.UnitOfWork{InstanceToDelete: instance})
				require.NoError(t, err)

				_, findErr := r.FindProcessInstanceByID(ctx, instance.ID)
				require.ErrorIs(t, findErr, backend.ErrInstanceNotFound)

				snapshot, err := r.FindProcessInstanceSnapshotByID(ctx, instance.ID)
				require.NoError(t, err)
				require.True(t, snapshot.Completed())
				require.NotNil(t, snapshot.EndedAt)
			},
		},
		{
			name: "CommitWork_CreatesIncidents",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				incident := &core.Incident{
					ID:         uuid.NewString(),
					Type:       "task-execution-failure",
					Message:    "delegate blew up",
					InstanceID: instance.ID,
					CreatedAt:  time.Now(),
					Status:     core.IncidentStatusOpen,
				}

				err := r.CommitWork(ctx, &core.UnitOfWork{
					InstanceToUpdate:  instance,
					IncidentsToCreate: []*core.Incident{incident},
				})
				require.NoError(t, err)

				incidents, err := r.FindIncidentsByProcessInstanceID(ctx, instance.ID)
				require.NoError(t, err)
				require.Len(t, incidents, 1)
				require.Equal(t, "delegate blew up", incidents[0].Message)
				require.Equal(t, core.IncidentStatusOpen, incidents[0].Status)
			},
		},
		{
			name: "GetStats_CountsOpenWork",
			f: func(t *testing.T, ctx context.Context, r backend.Repository) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))
				require.NoError(t, r.CreateExecutableTask(ctx, newTask(time.Now())))
				require.NoError(t, r.CreateExternalTask(ctx, newExternalTask(instance.ID)))

				stats, err := r.GetStats(ctx)
				require.NoError(t, err)
				require.EqualValues(t, 1, stats.ActiveProcessInstances)
				require.EqualValues(t, 1, stats.PendingExecutableTasks)
				require.EqualValues(t, 1, stats.OpenExternalTasks)
				require.EqualValues(t, 0, stats.OpenIncidents)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setup(tt.options...)
			ctx := context.Background()

			t.Cleanup(func() {
				if teardown != nil {
					teardown(r)
				} else {
					r.Close()
				}
			})

			tt.f(t, ctx, r)
		})
	}
}

// OutboxTest runs the conformance suite for repositories that implement
// backend.OutboxReader. The mock clock drives outbox lock expiry.
func OutboxTest(
	t *testing.T,
	setup func(opts ...backend.BackendOption) backend.Repository,
	teardown func(r backend.Repository),
) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, r backend.Repository, reader backend.OutboxReader, mock *clock.Mock)
	}{
		{
			name: "ReadAndLockNextOutboxBatch_EmptyReturnsNil",
			f: func(t *testing.T, ctx context.Context, r backend.Repository, reader backend.OutboxReader, mock *clock.Mock) {
				batch, err := reader.ReadAndLockNextOutboxBatch(ctx, 10)
				require.NoError(t, err)
				require.Nil(t, batch)
			},
		},
		{
			name: "ConfirmOutboxBatch_RemovesDeliveredEvents",
			f: func(t *testing.T, ctx context.Context, r backend.Repository, reader backend.OutboxReader, mock *clock.Mock) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				event := newEvent(instance.ID)
				err := r.CommitWork(ctx, &core.UnitOfWork{
					InstanceToUpdate: instance,
					CriticalEvents:   []*core.Event{event},
				})
				require.NoError(t, err)

				batch, err := reader.ReadAndLockNextOutboxBatch(ctx, 10)
				require.NoError(t, err)
				require.NotNil(t, batch)
				require.Len(t, batch.Events, 1)
				require.Equal(t, event.ID, batch.Events[0].ID)

				// Locked events are invisible to a second reader.
				second, err := reader.ReadAndLockNextOutboxBatch(ctx, 10)
				require.NoError(t, err)
				require.Nil(t, second)

				require.NoError(t, reader.ConfirmOutboxBatch(ctx, batch))

				// Confirmed events never come back, even after the lock
				// lease would have expired.
				mock.Add(time.Hour)
				third, err := reader.ReadAndLockNextOutboxBatch(ctx, 10)
				require.NoError(t, err)
				require.Nil(t, third)
			},
		},
		{
			name: "ReadAndLockNextOutboxBatch_UnconfirmedBatchBecomesReadableAgain",
			f: func(t *testing.T, ctx context.Context, r backend.Repository, reader backend.OutboxReader, mock *clock.Mock) {
				instance := newInstance()
				require.NoError(t, r.CreateProcessInstance(ctx, instance))

				event := newEvent(instance.ID)
				err := r.CommitWork(ctx, &core.UnitOfWork{
					InstanceToUpdate: instance,
					CriticalEvents:   []*core.Event{event},
				})
				require.NoError(t, err)

				batch, err := reader.ReadAndLockNextOutboxBatch(ctx, 10)
				require.NoError(t, err)
				require.NotNil(t, batch)

				mock.Add(2 * time.Minute)

				again, err := reader.ReadAndLockNextOutboxBatch(ctx, 10)
				require.NoError(t, err)
				require.NotNil(t, again)
				require.Len(t, again.Events, 1)
				require.Equal(t, event.ID, again.Events[0].ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := clock.NewMock()
			mock.Set(time.Now())

			r := setup(
				backend.WithClock(mock),
				backend.WithOutboxLockTimeout(time.Minute),
			)
			ctx := context.Background()

			reader, ok := r.(backend.OutboxReader)
			require.True(t, ok, "repository does not implement backend.OutboxReader")

			t.Cleanup(func() {
				if teardown != nil {
					teardown(r)
				} else {
					r.Close()
				}
			})

			tt.f(t, ctx, r, reader, mock)
		})
	}
}

func newInstance() *core.ProcessInstance {
	return &core.ProcessInstance{
		ID:           uuid.NewString(),
		State:        core.InstanceStateActive,
		DefinitionID: uuid.NewString(),
		Variables:    map[string]any{},
		StartedAt:    time.Now(),
	}
}

func newDefinition(key string, version int) *core.ProcessDefinition {
	start := &core.FlowNode{ID: "start", Kind: core.NodeKindStartEvent}

	return &core.ProcessDefinition{
		ID:          uuid.NewString(),
		Key:         key,
		Version:     version,
		Nodes:       map[string]*core.FlowNode{"start": start},
		StartNodeID: "start",
	}
}

func newTask(due time.Time) *core.ExecutableTask {
	return &core.ExecutableTask{
		ID:           uuid.NewString(),
		NodeID:       "task",
		DefinitionID: uuid.NewString(),
		InstanceID:   uuid.NewString(),
		DueDate:      due,
		Retries:      3,
		Status:       core.TaskStatusPending,
	}
}

func newExternalTask(instanceID string) *core.ExternalTask {
	return &core.ExternalTask{
		ID:           uuid.NewString(),
		NodeID:       "wait",
		DefinitionID: uuid.NewString(),
		InstanceID:   instanceID,
		Status:       core.ExternalTaskStatusActive,
	}
}

func newEvent(instanceID string) *core.Event {
	return &core.Event{
		ID:         uuid.NewString(),
		Type:       core.EventTypeProcessInstanceFinished,
		InstanceID: instanceID,
		Timestamp:  time.Now(),
	}
}
