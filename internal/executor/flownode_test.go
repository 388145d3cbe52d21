package executor

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/navigator"
	"github.com/procflow/procflow/registry"
)

func newFlowExecutor(t *testing.T, reg *registry.Registry) *FlowNodeExecutor {
	t.Helper()

	return NewFlowNodeExecutor(NewTaskExecutor(reg), navigator.New(reg), slog.Default())
}

func chainDefinition() *core.ProcessDefinition {
	return &core.ProcessDefinition{
		ID:  "def-1",
		Key: "chain",
		Nodes: map[string]*core.FlowNode{
			"start": {
				ID:       "start",
				Kind:     core.NodeKindStartEvent,
				Outgoing: []core.SequenceFlow{{ID: "f1", Target: "one"}},
			},
			"one": {
				ID:       "one",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${recorder}",
				Outgoing: []core.SequenceFlow{{ID: "f2", Target: "two"}},
			},
			"two": {
				ID:       "two",
				Kind:     core.NodeKindServiceTask,
				Delegate: "${recorder}",
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

func recordingRegistry(t *testing.T, executed *[]string) *registry.Registry {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("recorder", func(ctx context.Context, ec *core.ExecutionContext) error {
		*executed = append(*executed, ec.Node().ID)
		return nil
	}))

	return reg
}

func TestFlowNodeExecutor_RunsChainToCompletion(t *testing.T) {
	var executed []string
	e := newFlowExecutor(t, recordingRegistry(t, &executed))

	def := chainDefinition()
	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive, DefinitionID: def.ID}

	result, err := e.Run(context.Background(), def.Nodes["start"], instance, def)
	require.NoError(t, err)

	require.Nil(t, result.Continuation)
	require.Equal(t, []string{"one", "two"}, executed)
	require.Equal(t, []string{"one", "two"}, result.ExecutedNodeIDs)
}

func TestFlowNodeExecutor_StopsAtCommitBefore(t *testing.T) {
	var executed []string
	e := newFlowExecutor(t, recordingRegistry(t, &executed))

	def := chainDefinition()
	def.Nodes["two"].CommitBefore = true
	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive, DefinitionID: def.ID}

	result, err := e.Run(context.Background(), def.Nodes["start"], instance, def)
	require.NoError(t, err)

	require.Equal(t, []string{"one"}, executed)
	require.NotNil(t, result.Continuation)
	require.True(t, result.Continuation.Asynchronous)
	require.Equal(t, "two", result.Continuation.Nodes[0].ID)
}

func TestFlowNodeExecutor_StopsAfterCommitAfter(t *testing.T) {
	var executed []string
	e := newFlowExecutor(t, recordingRegistry(t, &executed))

	def := chainDefinition()
	def.Nodes["one"].CommitAfter = true
	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive, DefinitionID: def.ID}

	result, err := e.Run(context.Background(), def.Nodes["start"], instance, def)
	require.NoError(t, err)

	require.Equal(t, []string{"one"}, executed)
	require.NotNil(t, result.Continuation)
	require.True(t, result.Continuation.Asynchronous)
	require.Equal(t, "two", result.Continuation.Nodes[0].ID)
}

func TestFlowNodeExecutor_StopsAtWaitState(t *testing.T) {
	var executed []string
	e := newFlowExecutor(t, recordingRegistry(t, &executed))

	def := chainDefinition()
	def.Nodes["two"] = &core.FlowNode{
		ID:       "two",
		Kind:     core.NodeKindManualTask,
		Outgoing: []core.SequenceFlow{{ID: "f3", Target: "end"}},
	}
	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive, DefinitionID: def.ID}

	result, err := e.Run(context.Background(), def.Nodes["start"], instance, def)
	require.NoError(t, err)

	require.Equal(t, []string{"one"}, executed)
	require.NotNil(t, result.Continuation)
	// The wait state is a stop point even though no commit flag forced it.
	require.False(t, result.Continuation.Asynchronous)
	require.Equal(t, "two", result.Continuation.Nodes[0].ID)
}

func TestFlowNodeExecutor_ExecutionErrorNamesFailingNode(t *testing.T) {
	boom := errors.New("boom")

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("recorder", func(ctx context.Context, ec *core.ExecutionContext) error {
		if ec.Node().ID == "two" {
			return boom
		}
		return nil
	}))

	e := newFlowExecutor(t, reg)
	def := chainDefinition()
	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive, DefinitionID: def.ID}

	_, err := e.Run(context.Background(), def.Nodes["start"], instance, def)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), `executing node "two"`)
}

func TestFlowNodeExecutor_ResumesFromWaitStateWithoutExecutingIt(t *testing.T) {
	var executed []string
	e := newFlowExecutor(t, recordingRegistry(t, &executed))

	def := chainDefinition()
	def.Nodes["one"] = &core.FlowNode{
		ID:       "one",
		Kind:     core.NodeKindManualTask,
		Outgoing: []core.SequenceFlow{{ID: "f2", Target: "two"}},
	}
	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive, DefinitionID: def.ID}

	// Resuming starts at the completed wait state itself; only its
	// successors execute.
	result, err := e.Run(context.Background(), def.Nodes["one"], instance, def)
	require.NoError(t, err)

	require.Nil(t, result.Continuation)
	require.Equal(t, []string{"two"}, executed)
}
