package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/backend"
	"github.com/procflow/procflow/backend/memory"
	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/events"
	"github.com/procflow/procflow/registry"
)

type fixture struct {
	repo   backend.Repository
	clock  *clock.Mock
	reg    *registry.Registry
	engine *Engine
}

func newFixture(t *testing.T, reg *registry.Registry, opts ...Option) *fixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(time.Now())

	repo := memory.NewMemoryRepository(backend.WithClock(mock))
	t.Cleanup(func() { repo.Close() })

	return &fixture{
		repo:   repo,
		clock:  mock,
		reg:    reg,
		engine: New(repo, reg, opts...),
	}
}

// drainTasks acquires and resumes due tasks until none remain, simulating
// the task acquirer deterministically.
func (f *fixture) drainTasks(t *testing.T) int {
	t.Helper()

	total := 0
	for {
		tasks, err := f.repo.FindAndLockDueTasks(context.Background(), f.clock.Now(), 10, "test-worker")
		require.NoError(t, err)

		if len(tasks) == 0 {
			return total
		}

		for _, task := range tasks {
			_ = f.engine.ExecuteFromTask(context.Background(), task)
			total++
		}
	}
}

func variableDelegates(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("addVariableDelegate", func(ctx context.Context, ec *core.ExecutionContext) error {
		ec.SetVariable("food", "pizza")
		return nil
	}))
	require.NoError(t, reg.RegisterDelegateFunc("removeVariableDelegate", func(ctx context.Context, ec *core.ExecutionContext) error {
		ec.RemoveVariable("food")
		return nil
	}))

	return reg
}

func twoTaskDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		Key: "two-tasks",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "addVariable"}},
			},
			"addVariable": {
				ID:       "addVariable",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${addVariableDelegate}",
				Outgoing: []core.SequenceFlow{{ID: "f2", Target: "removeVariable"}},
			},
			"removeVariable": {
				ID:       "removeVariable",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${removeVariableDelegate}",
				Outgoing: []core.SequenceFlow{{ID: "f3", Target: "end"}},
			},
			"end": {
				ID:   "end",
				Kind: core.NodeKindEndEvent,
			},
		},
		StartNodeID: "start",
	}
}

func TestEngine_Deploy_VersionsByKey(t *testing.T) {
	f := newFixture(t, registry.New())
	ctx := context.Background()

	v1, err := f.engine.Deploy(ctx, twoTaskDefinition())
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)
	require.NotEmpty(t, v1.ID)
	require.NotEmpty(t, v1.Checksum)

	// Identical content is a no-op returning the stored version.
	again, err := f.engine.Deploy(ctx, twoTaskDefinition())
	require.NoError(t, err)
	require.Equal(t, v1.ID, again.ID)
	require.Equal(t, 1, again.Version)

	// Changed content increments the version under the same key.
	changed := twoTaskDefinition()
	changed.Nodes["addVariable"].Delegate = "${removeVariableDelegate}"

	v2, err := f.engine.Deploy(ctx, changed)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)
	require.NotEqual(t, v1.ID, v2.ID)
}

func TestEngine_Deploy_RejectsInvalidDefinition(t *testing.T) {
	f := newFixture(t, registry.New())

	invalid := twoTaskDefinition()
	invalid.StartNodeID = "nope"

	_, err := f.engine.Deploy(context.Background(), invalid)

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEngine_Start_UnknownKeyErrors(t *testing.T) {
	f := newFixture(t, registry.New())

	_, err := f.engine.Start(context.Background(), "unknown", StartProcessOptions{})
	require.ErrorIs(t, err, backend.ErrDefinitionNotFound)
}

func TestEngine_LinearServiceTasksRunToCompletion(t *testing.T) {
	f := newFixture(t, variableDelegates(t))
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, twoTaskDefinition())
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "two-tasks", StartProcessOptions{
		BusinessKey: "anyBusinessKey",
		Variables:   map[string]any{"myVar": "X"},
	})
	require.NoError(t, err)

	require.True(t, snapshot.Completed())
	require.NotNil(t, snapshot.EndedAt)
	require.Equal(t, "anyBusinessKey", snapshot.BusinessKey)
	require.Equal(t, "X", snapshot.Variables["myVar"])
	require.NotContains(t, snapshot.Variables, "food")

	// The completed instance is queryable from history only.
	historic, err := f.engine.Instance(ctx, snapshot.ID)
	require.NoError(t, err)
	require.True(t, historic.Completed())

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.ActiveProcessInstances)
}

func TestEngine_FailingDelegateFailsStartAndLeavesNothingBehind(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("addVariableDelegate", func(ctx context.Context, ec *core.ExecutionContext) error {
		return context.DeadlineExceeded
	}))

	f := newFixture(t, reg)
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, twoTaskDefinition())
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, "two-tasks", StartProcessOptions{})
	require.Error(t, err)

	stats, err := f.engine.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.ActiveProcessInstances)
	require.EqualValues(t, 0, stats.PendingExecutableTasks)
}

func commitChainDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		Key: "commit-chain",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "Task_1"}},
			},
			"Task_1": {
				ID:       "Task_1",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${recorder}",
				Outgoing: []core.SequenceFlow{{ID: "f2", Target: "Task_2"}},
			},
			"Task_2": {
				ID:          "Task_2",
				Kind:        core.NodeKindServiceTask,
				Delegate:    "${recorder}",
				CommitAfter: true,
				Outgoing:    []core.SequenceFlow{{ID: "f3", Target: "Task_Async_3"}},
			},
			"Task_Async_3": {
				ID:       "Task_Async_3",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${recorder}",
				Outgoing: []core.SequenceFlow{{ID: "f4", Target: "Task_Commit_Before"}},
			},
			"Task_Commit_Before": {
				ID:           "Task_Commit_Before",
				Kind:         core.NodeKindServiceTask,
				Delegate:     "${recorder}",
				CommitBefore: true,
				Outgoing:     []core.SequenceFlow{{ID: "f5", Target: "end"}},
			},
			"end": {
				ID:   "end",
				Kind: core.NodeKindEndEvent,
			},
		},
		StartNodeID: "start",
	}
}

func TestEngine_CommitBoundariesSuspendAndResume(t *testing.T) {
	var mu sync.Mutex
	var executed []string

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("recorder", func(ctx context.Context, ec *core.ExecutionContext) error {
		mu.Lock()
		defer mu.Unlock()
		executed = append(executed, ec.Node().ID)
		return nil
	}))

	f := newFixture(t, reg)
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, commitChainDefinition())
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "commit-chain", StartProcessOptions{})
	require.NoError(t, err)
	require.False(t, snapshot.Completed())
	require.Equal(t, []string{"Task_1", "Task_2"}, executed)

	// Task 2's commitAfter suspended the segment; task 3 is a pending job.
	tasks, err := f.repo.FindAndLockDueTasks(ctx, f.clock.Now(), 10, "w1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Task_Async_3", tasks[0].NodeID)

	require.NoError(t, f.engine.ExecuteFromTask(ctx, tasks[0]))
	require.Equal(t, []string{"Task_1", "Task_2", "Task_Async_3"}, executed)

	// Task 4's commitBefore produced the next pending job.
	tasks, err = f.repo.FindAndLockDueTasks(ctx, f.clock.Now(), 10, "w1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "Task_Commit_Before", tasks[0].NodeID)

	require.NoError(t, f.engine.ExecuteFromTask(ctx, tasks[0]))
	require.Equal(t, []string{"Task_1", "Task_2", "Task_Async_3", "Task_Commit_Before"}, executed)

	historic, err := f.engine.Instance(ctx, snapshot.ID)
	require.NoError(t, err)
	require.True(t, historic.Completed())
}

func contactDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		Key: "contact",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "doContactTask"}},
			},
			"doContactTask": {
				ID:               "doContactTask",
				Kind:             core.NodeKindManualTask,
				BoundaryEventIDs: []string{"contactTimeout"},
				Outgoing:         []core.SequenceFlow{{ID: "f2", Target: "end"}},
			},
			"contactTimeout": {
				ID:            "contactTimeout",
				Kind:          core.NodeKindBoundaryTimer,
				TimerDuration: 30 * time.Minute,
				Outgoing:      []core.SequenceFlow{{ID: "f3", Target: "sendToRecoveryTask"}},
			},
			"sendToRecoveryTask": {
				ID:       "sendToRecoveryTask",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${sendToRecovery}",
				Outgoing: []core.SequenceFlow{{ID: "f4", Target: "end"}},
			},
			"end": {
				ID:   "end",
				Kind: core.NodeKindEndEvent,
			},
		},
		StartNodeID: "start",
	}
}

func contactRegistry(t *testing.T, recovered *bool) *registry.Registry {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("sendToRecovery", func(ctx context.Context, ec *core.ExecutionContext) error {
		*recovered = true
		return nil
	}))

	return reg
}

func TestEngine_CompletingExternalTaskCancelsBoundaryTimer(t *testing.T) {
	var recovered bool
	f := newFixture(t, contactRegistry(t, &recovered))
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, contactDefinition())
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "contact", StartProcessOptions{})
	require.NoError(t, err)
	require.False(t, snapshot.Completed())

	externals, err := f.engine.ExternalTasks(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, externals, 1)
	require.Equal(t, "doContactTask", externals[0].NodeID)

	final, err := f.engine.CompleteExternalTask(ctx, externals[0].ID, map[string]any{"contacted": true})
	require.NoError(t, err)
	require.True(t, final.Completed())
	require.Equal(t, true, final.Variables["contacted"])
	require.False(t, recovered)

	// The timer job was cancelled with the wait state; nothing ever fires.
	f.clock.Add(time.Hour)
	require.Zero(t, f.drainTasks(t))
}

func TestEngine_BoundaryTimerFiringCancelsExternalTask(t *testing.T) {
	var recovered bool
	f := newFixture(t, contactRegistry(t, &recovered))
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, contactDefinition())
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "contact", StartProcessOptions{})
	require.NoError(t, err)

	externals, err := f.engine.ExternalTasks(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, externals, 1)

	// The timer elapses before anyone completes the wait state.
	f.clock.Add(time.Hour)
	require.Equal(t, 1, f.drainTasks(t))
	require.True(t, recovered)

	historic, err := f.engine.Instance(ctx, snapshot.ID)
	require.NoError(t, err)
	require.True(t, historic.Completed())

	// The wait state was cancelled; completing it now fails.
	_, err = f.engine.CompleteExternalTask(ctx, externals[0].ID, nil)
	require.ErrorIs(t, err, backend.ErrExternalTaskNotFound)
}

func TestEngine_ExhaustedRetriesOpenOneIncident(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("alwaysFails", func(ctx context.Context, ec *core.ExecutionContext) error {
		return context.DeadlineExceeded
	}))

	f := newFixture(t, reg,
		WithDefaultTaskRetries(2),
		WithRetryDelay(func(retriesLeft int) time.Duration { return 0 }),
	)
	ctx := context.Background()

	def := &core.ProcessDefinition{
		Key: "failing",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "flaky"}},
			},
			"flaky": {
				ID:           "flaky",
				Kind:         core.NodeKindServiceTask,
				Delegate:     "${alwaysFails}",
				CommitBefore: true,
				Outgoing:     []core.SequenceFlow{{ID: "f2", Target: "end"}},
			},
			"end": {ID: "end", Kind: core.NodeKindEndEvent},
		},
		StartNodeID: "start",
	}

	_, err := f.engine.Deploy(ctx, def)
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "failing", StartProcessOptions{})
	require.NoError(t, err)
	require.False(t, snapshot.Completed())

	// First attempt fails and schedules a retry, the second exhausts the
	// budget and opens the incident.
	require.Equal(t, 2, f.drainTasks(t))

	incidents, err := f.engine.Incidents(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	require.Equal(t, core.IncidentStatusOpen, incidents[0].Status)

	// The instance stays active for manual resolution, the task is parked.
	active, err := f.engine.Instance(ctx, snapshot.ID)
	require.NoError(t, err)
	require.False(t, active.Completed())

	f.clock.Add(24 * time.Hour)
	require.Zero(t, f.drainTasks(t))

	incidents, err = f.engine.Incidents(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
}

func TestEngine_GatewayRoutesByDecisionRule(t *testing.T) {
	var route string

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("recordRoute", func(ctx context.Context, ec *core.ExecutionContext) error {
		route = ec.Node().ID
		return nil
	}))
	require.NoError(t, reg.RegisterRule("isLargeOrder", func(variables map[string]any) bool {
		amount, _ := variables["amount"].(int)
		return amount > 100
	}))

	def := &core.ProcessDefinition{
		Key: "routing",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "decide"}},
			},
			"decide": {
				ID:   "decide",
				Kind: core.NodeKindExclusiveGateway,
				Outgoing: []core.SequenceFlow{
					{ID: "f2", Condition: "isLargeOrder", Target: "approve"},
					{ID: "f3", Default: true, Target: "autoAccept"},
				},
			},
			"approve": {
				ID:       "approve",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${recordRoute}",
				Outgoing: []core.SequenceFlow{{ID: "f4", Target: "end"}},
			},
			"autoAccept": {
				ID:       "autoAccept",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${recordRoute}",
				Outgoing: []core.SequenceFlow{{ID: "f5", Target: "end"}},
			},
			"end": {ID: "end", Kind: core.NodeKindEndEvent},
		},
		StartNodeID: "start",
	}

	f := newFixture(t, reg)
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, def)
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "routing", StartProcessOptions{Variables: map[string]any{"amount": 500}})
	require.NoError(t, err)
	require.True(t, snapshot.Completed())
	require.Equal(t, "approve", route)

	snapshot, err = f.engine.Start(ctx, "routing", StartProcessOptions{Variables: map[string]any{"amount": 5}})
	require.NoError(t, err)
	require.True(t, snapshot.Completed())
	require.Equal(t, "autoAccept", route)
}

func TestEngine_ListenersReceiveFinishedEvent(t *testing.T) {
	var mu sync.Mutex
	var received []*core.Event

	listener := events.ListenerFunc(func(ctx context.Context, batch []*core.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, batch...)
	})

	f := newFixture(t, variableDelegates(t), WithListeners(listener), WithStatsEnabled(true))
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, twoTaskDefinition())
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "two-tasks", StartProcessOptions{})
	require.NoError(t, err)
	require.True(t, snapshot.Completed())

	f.engine.WaitForDispatchedEvents()

	mu.Lock()
	defer mu.Unlock()

	var kinds []core.EventType
	for _, e := range received {
		kinds = append(kinds, e.Type)
	}
	require.ElementsMatch(t, []core.EventType{
		core.EventTypeNodeExecuted,
		core.EventTypeNodeExecuted,
		core.EventTypeProcessInstanceFinished,
	}, kinds)
}

func TestEngine_WaitForInstance(t *testing.T) {
	// Real clock so the wait's backoff and give-up time both advance.
	repo := memory.NewMemoryRepository()
	t.Cleanup(func() { repo.Close() })

	eng := New(repo, variableDelegates(t))
	ctx := context.Background()

	_, err := eng.Deploy(ctx, twoTaskDefinition())
	require.NoError(t, err)

	snapshot, err := eng.Start(ctx, "two-tasks", StartProcessOptions{})
	require.NoError(t, err)

	require.NoError(t, eng.WaitForInstance(ctx, snapshot.ID, time.Second))

	// An instance suspended on a wait state does not finish in time.
	_, err = eng.Deploy(ctx, contactDefinition())
	require.NoError(t, err)

	waiting, err := eng.Start(ctx, "contact", StartProcessOptions{})
	require.NoError(t, err)

	require.Error(t, eng.WaitForInstance(ctx, waiting.ID, 100*time.Millisecond))
}

func TestEngine_CompletingTheSameExternalTaskTwiceFails(t *testing.T) {
	var recovered bool
	f := newFixture(t, contactRegistry(t, &recovered))
	ctx := context.Background()

	_, err := f.engine.Deploy(ctx, contactDefinition())
	require.NoError(t, err)

	snapshot, err := f.engine.Start(ctx, "contact", StartProcessOptions{})
	require.NoError(t, err)

	externals, err := f.engine.ExternalTasks(ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, externals, 1)

	_, err = f.engine.CompleteExternalTask(ctx, externals[0].ID, nil)
	require.NoError(t, err)

	_, err = f.engine.CompleteExternalTask(ctx, externals[0].ID, nil)
	require.ErrorIs(t, err, backend.ErrExternalTaskNotFound)
}
