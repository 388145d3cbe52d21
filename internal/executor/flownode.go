package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procflow/procflow/core"
	"github.com/procflow/procflow/internal/logkeys"
	"github.com/procflow/procflow/internal/navigator"
)

type loopState int

const (
	stateRunning loopState = iota
	stateStopped
)

// ExecutionResult is the outcome of one synchronous execution segment:
// the mutated hot instance, the continuation it stopped on (nil when the
// instance reached a terminal node), the nodes it executed, and the task
// that triggered the segment, if any.
type ExecutionResult struct {
	Instance   *core.ProcessInstance
	Definition *core.ProcessDefinition

	// Continuation is nil when the instance completed, otherwise the
	// asynchronous handoff to persist as task records.
	Continuation *core.Continuation

	// ExecutedNodeIDs lists the nodes executed by this segment, in order.
	ExecutedNodeIDs []string

	// CompletedExecutable is set when the segment resumed an acquired
	// internal task, CompletedExternal when it resumed from a completed
	// wait state. Both feed the continuation service's deletion set.
	CompletedExecutable *core.ExecutableTask
	CompletedExternal   *core.ExternalTask
}

// FlowNodeExecutor drives the synchronous execution loop: execute the
// current node, ask the navigator for the continuation, continue inline
// or stop. It never persists anything; its only side effect is in-memory
// variable mutation on the hot instance, which keeps a failed segment
// retry-safe.
type FlowNodeExecutor struct {
	tasks  *TaskExecutor
	nav    *navigator.Navigator
	logger *slog.Logger
}

func NewFlowNodeExecutor(tasks *TaskExecutor, nav *navigator.Navigator, logger *slog.Logger) *FlowNodeExecutor {
	return &FlowNodeExecutor{tasks: tasks, nav: nav, logger: logger}
}

// Run executes the segment starting at start. The loop stops when the
// navigator returns no continuation (terminal node reached), when the
// continuation is asynchronous, or when it targets a wait state.
func (e *FlowNodeExecutor) Run(ctx context.Context, start *core.FlowNode, instance *core.ProcessInstance, def *core.ProcessDefinition) (*ExecutionResult, error) {
	result := &ExecutionResult{
		Instance:   instance,
		Definition: def,
	}

	node := start
	state := stateRunning

	for state == stateRunning {
		if node.Executable() {
			ec := core.NewExecutionContext(instance, node)

			if err := e.tasks.Execute(ctx, ec); err != nil {
				return nil, fmt.Errorf("executing node %q: %w", node.ID, err)
			}

			result.ExecutedNodeIDs = append(result.ExecutedNodeIDs, node.ID)

			e.logger.DebugContext(ctx, "executed flow node",
				logkeys.InstanceID, instance.ID,
				logkeys.NodeID, node.ID,
			)
		}

		cont, err := e.nav.NextContinuation(node, def, instance.Variables, node.CommitAfter)
		if err != nil {
			return nil, err
		}

		switch {
		case cont == nil:
			// Terminal node reached, the instance completes.
			state = stateStopped

		case cont.Asynchronous || containsWaitState(cont):
			result.Continuation = cont
			state = stateStopped

		default:
			node = cont.Nodes[0]
		}
	}

	return result, nil
}

// containsWaitState reports whether the continuation targets a wait
// state. Wait states are stop points by definition, independent of the
// commit flags.
func containsWaitState(cont *core.Continuation) bool {
	for _, n := range cont.Nodes {
		if n.WaitState() {
			return true
		}
	}

	return false
}
