package core

import "time"

// EventType identifies a critical engine event.
type EventType string

const (
	// EventTypeProcessInstanceFinished is emitted when an instance
	// completes, carrying its final snapshot.
	EventTypeProcessInstanceFinished EventType = "process-instance.finished"

	// EventTypeNodeExecuted is emitted per executed flow node when stats
	// are enabled.
	EventTypeNodeExecuted EventType = "node.executed"
)

// Event is a critical engine event. Depending on configuration it is
// dispatched best-effort to listeners or written to the transactional
// outbox in the same unit of work as the state change it describes.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Snapshot is set for instance lifecycle events.
	Snapshot *ProcessInstanceSnapshot `json:"snapshot,omitempty"`
}

// OutboxBatch is a read-locked batch of outbox events handed to a relay.
// The relay must confirm the batch after delivery; unconfirmed batches
// become readable again, giving at-least-once delivery.
type OutboxBatch struct {
	ID     string   `json:"id"`
	Events []*Event `json:"events"`
}
