package core

import "fmt"

// BadDefinitionError indicates a structural misconfiguration discovered
// while executing a definition: a node of the wrong kind, a missing or
// unresolvable delegate or rule reference, or a gateway with no viable
// flow. It is never retried; the triggering request fails immediately.
type BadDefinitionError struct {
	NodeID string
	Reason string
}

func (e *BadDefinitionError) Error() string {
	return fmt.Sprintf("bad definition at node %q: %s", e.NodeID, e.Reason)
}

// NotImplementedError marks an execution path that is deliberately not
// implemented. It fails loudly instead of silently guessing behavior.
type NotImplementedError struct {
	Feature string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("not implemented: %s", e.Feature)
}
