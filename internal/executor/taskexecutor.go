package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/procflow/procflow/core"
)

// DelegateResolver resolves a logical delegate name to business logic.
type DelegateResolver interface {
	ResolveDelegate(name string) (core.Delegate, bool)
}

// TaskExecutor executes a single node's business logic by resolving and
// invoking its delegate.
type TaskExecutor struct {
	delegates DelegateResolver
}

func NewTaskExecutor(delegates DelegateResolver) *TaskExecutor {
	return &TaskExecutor{delegates: delegates}
}

// Execute resolves the node's delegate reference and invokes it with the
// execution context. Structural problems (wrong node kind, missing or
// unknown delegate reference) fail as definition errors; errors returned
// by the delegate itself are propagated unchanged so the failure handler
// can apply retry semantics.
func (e *TaskExecutor) Execute(ctx context.Context, ec *core.ExecutionContext) error {
	node := ec.Node()

	if !node.Executable() {
		return &core.BadDefinitionError{
			NodeID: node.ID,
			Reason: fmt.Sprintf("node of kind %q is not executable", node.Kind),
		}
	}

	ref := unwrapDelegateRef(node.Delegate)
	if ref == "" {
		return &core.BadDefinitionError{
			NodeID: node.ID,
			Reason: "service task has no delegate reference",
		}
	}

	delegate, ok := e.delegates.ResolveDelegate(ref)
	if !ok {
		return &core.BadDefinitionError{
			NodeID: node.ID,
			Reason: fmt.Sprintf("no delegate registered for reference %q", ref),
		}
	}

	return delegate.Execute(ctx, ec)
}

// unwrapDelegateRef strips the "${name}" wrapper syntax from a delegate
// reference.
func unwrapDelegateRef(ref string) string {
	ref = strings.TrimSpace(ref)

	if strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}") {
		ref = ref[2 : len(ref)-1]
	}

	return strings.TrimSpace(ref)
}
