package core

// Continuation is the navigator's transient decision of what runs next
// and whether the handoff is synchronous or asynchronous. It is consumed
// immediately by the flow-node executor or the continuation service and
// never persisted.
type Continuation struct {
	// Nodes are the next flow nodes to run.
	Nodes []*FlowNode

	// Asynchronous forces a suspension boundary before the next nodes
	// run: the segment stops and the continuation is turned into durable
	// task records instead of being executed inline.
	Asynchronous bool
}
