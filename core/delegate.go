package core

import "context"

// Delegate is the pluggable business logic of a service task. Delegates
// are registered by logical name and resolved at execution time; errors
// they return are routed to the failure handler.
type Delegate interface {
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// DelegateFunc adapts a plain function to the Delegate interface.
type DelegateFunc func(ctx context.Context, ec *ExecutionContext) error

func (f DelegateFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return f(ctx, ec)
}

// DecisionRule is a named boolean predicate over instance variables,
// used to evaluate gateway flow conditions.
type DecisionRule func(variables map[string]any) bool

// ExecutionContext is the view of the running segment handed to a
// delegate: the current node and read/write access to the instance
// variables. It aliases the hot instance and must not outlive the call.
type ExecutionContext struct {
	instance *ProcessInstance
	node     *FlowNode
}

// NewExecutionContext creates the execution context for one node
// execution.
func NewExecutionContext(instance *ProcessInstance, node *FlowNode) *ExecutionContext {
	return &ExecutionContext{instance: instance, node: node}
}

// InstanceID returns the id of the owning process instance.
func (ec *ExecutionContext) InstanceID() string {
	return ec.instance.ID
}

// Node returns the flow node being executed.
func (ec *ExecutionContext) Node() *FlowNode {
	return ec.node
}

// Variable returns the named instance variable.
func (ec *ExecutionContext) Variable(name string) (any, bool) {
	return ec.instance.Variable(name)
}

// SetVariable sets an instance variable. The change becomes durable only
// when the segment's unit of work commits.
func (ec *ExecutionContext) SetVariable(name string, value any) {
	ec.instance.SetVariable(name, value)
}

// RemoveVariable removes an instance variable.
func (ec *ExecutionContext) RemoveVariable(name string) {
	ec.instance.RemoveVariable(name)
}
