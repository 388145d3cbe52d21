package core

import (
	"fmt"
	"time"
)

// NodeKind identifies the type of a flow node. The set of kinds is closed;
// every site that dispatches on it switches exhaustively and fails on
// unknown values.
type NodeKind string

const (
	NodeKindStartEvent       NodeKind = "start-event"
	NodeKindEndEvent         NodeKind = "end-event"
	NodeKindServiceTask      NodeKind = "service-task"
	NodeKindManualTask       NodeKind = "manual-task"
	NodeKindExclusiveGateway NodeKind = "exclusive-gateway"
	NodeKindBoundaryTimer    NodeKind = "boundary-timer"
)

// FlowNode is a single vertex in a process graph.
type FlowNode struct {
	ID          string   `json:"id"`
	Kind        NodeKind `json:"kind"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`

	// CommitBefore forces an asynchronous suspension boundary immediately
	// before this node executes, CommitAfter immediately after.
	CommitBefore bool `json:"commit_before,omitempty"`
	CommitAfter  bool `json:"commit_after,omitempty"`

	// Outgoing lists the sequence flows leaving this node, in declaration
	// order. A node with no outgoing flows is terminal.
	Outgoing []SequenceFlow `json:"outgoing,omitempty"`

	// BoundaryEventIDs lists boundary-event nodes attached to this node.
	BoundaryEventIDs []string `json:"boundary_event_ids,omitempty"`

	// Delegate is the logical name of the business logic to invoke, only
	// set for service tasks. May be wrapped as "${name}".
	Delegate string `json:"delegate,omitempty"`

	// TimerDuration is the fire delay of a boundary timer node.
	TimerDuration time.Duration `json:"timer_duration,omitempty"`

	// Extensions carries free-form metadata, for example SLAs or layout
	// hints. The engine does not interpret it.
	Extensions map[string]string `json:"extensions,omitempty"`
}

// SequenceFlow is a directed edge between two flow nodes.
type SequenceFlow struct {
	ID string `json:"id"`

	// Condition names a decision rule evaluated against the instance
	// variables. Empty means unconditional.
	Condition string `json:"condition,omitempty"`

	// Default marks the flow taken by an exclusive gateway when no
	// condition matches. At most one outgoing flow may be the default.
	Default bool `json:"default,omitempty"`

	Target string `json:"target"`
}

// Executable reports whether this node carries business logic that the
// task executor runs. Events, gateways and wait states are navigated, not
// executed.
func (n *FlowNode) Executable() bool {
	return n.Kind == NodeKindServiceTask
}

// WaitState reports whether this node suspends the instance until an
// external actor completes it.
func (n *FlowNode) WaitState() bool {
	return n.Kind == NodeKindManualTask
}

// Terminal reports whether the process instance completes when this node
// is reached and it has no outgoing flows.
func (n *FlowNode) Terminal() bool {
	return len(n.Outgoing) == 0
}

// KnownKind reports whether the node kind is part of the closed variant
// set. Exhaustiveness checks in tests rely on this.
func (n *FlowNode) KnownKind() bool {
	switch n.Kind {
	case NodeKindStartEvent, NodeKindEndEvent, NodeKindServiceTask,
		NodeKindManualTask, NodeKindExclusiveGateway, NodeKindBoundaryTimer:
		return true
	}

	return false
}

func (n *FlowNode) String() string {
	return fmt.Sprintf("%s(%s)", n.Kind, n.ID)
}
