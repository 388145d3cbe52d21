package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/registry"
)

func serviceNode(delegate string) *core.FlowNode {
	return &core.FlowNode{
		ID:       "task",
		Kind:     core.NodeKindServiceTask,
		Delegate: delegate,
	}
}

func TestTaskExecutor_InvokesDelegate(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("doWork", func(ctx context.Context, ec *core.ExecutionContext) error {
		ec.SetVariable("done", true)
		return nil
	}))

	instance := &core.ProcessInstance{ID: "i1", State: core.InstanceStateActive}
	e := NewTaskExecutor(reg)

	err := e.Execute(context.Background(), core.NewExecutionContext(instance, serviceNode("${doWork}")))
	require.NoError(t, err)

	done, ok := instance.Variable("done")
	require.True(t, ok)
	require.Equal(t, true, done)
}

func TestTaskExecutor_UnwrapsDelegateReference(t *testing.T) {
	tests := []struct {
		ref string
	}{
		{"doWork"},
		{"${doWork}"},
		{"  ${ doWork }  "},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			reg := registry.New()
			called := false
			require.NoError(t, reg.RegisterDelegateFunc("doWork", func(ctx context.Context, ec *core.ExecutionContext) error {
				called = true
				return nil
			}))

			instance := &core.ProcessInstance{ID: "i1"}
			e := NewTaskExecutor(reg)

			err := e.Execute(context.Background(), core.NewExecutionContext(instance, serviceNode(tt.ref)))
			require.NoError(t, err)
			require.True(t, called)
		})
	}
}

func TestTaskExecutor_NonExecutableNodeIsDefinitionError(t *testing.T) {
	e := NewTaskExecutor(registry.New())
	instance := &core.ProcessInstance{ID: "i1"}
	node := &core.FlowNode{ID: "wait", Kind: core.NodeKindManualTask}

	err := e.Execute(context.Background(), core.NewExecutionContext(instance, node))

	var badDef *core.BadDefinitionError
	require.ErrorAs(t, err, &badDef)
	require.Equal(t, "wait", badDef.NodeID)
}

func TestTaskExecutor_MissingDelegateReferenceIsDefinitionError(t *testing.T) {
	e := NewTaskExecutor(registry.New())
	instance := &core.ProcessInstance{ID: "i1"}

	err := e.Execute(context.Background(), core.NewExecutionContext(instance, serviceNode("")))

	var badDef *core.BadDefinitionError
	require.ErrorAs(t, err, &badDef)
}

func TestTaskExecutor_UnregisteredDelegateIsDefinitionError(t *testing.T) {
	e := NewTaskExecutor(registry.New())
	instance := &core.ProcessInstance{ID: "i1"}

	err := e.Execute(context.Background(), core.NewExecutionContext(instance, serviceNode("${missing}")))

	var badDef *core.BadDefinitionError
	require.ErrorAs(t, err, &badDef)
}

func TestTaskExecutor_DelegateErrorIsPropagatedUnchanged(t *testing.T) {
	boom := errors.New("boom")

	reg := registry.New()
	require.NoError(t, reg.RegisterDelegateFunc("failing", func(ctx context.Context, ec *core.ExecutionContext) error {
		return boom
	}))

	e := NewTaskExecutor(reg)
	instance := &core.ProcessInstance{ID: "i1"}

	err := e.Execute(context.Background(), core.NewExecutionContext(instance, serviceNode("${failing}")))
	require.Same(t, boom, err)
}
