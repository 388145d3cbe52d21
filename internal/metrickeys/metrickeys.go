package metrickeys

const (
	Prefix = "procflow."

	// Process instances
	ProcessInstanceStarted  = Prefix + "instance.started"
	ProcessInstanceFinished = Prefix + "instance.finished"

	// Segments
	SegmentExecuted = Prefix + "segment.executed"
	SegmentDuration = Prefix + "segment.duration"

	// Tasks
	ExecutableTaskCreated  = Prefix + "task.executable.created"
	ExecutableTaskAcquired = Prefix + "task.executable.acquired"
	ExecutableTaskRetried  = Prefix + "task.executable.retried"
	ExternalTaskCreated    = Prefix + "task.external.created"
	ExternalTaskCompleted  = Prefix + "task.external.completed"

	// Failures
	IncidentCreated = Prefix + "incident.created"
)

// Tag names
const (
	DefinitionKey = "definition_key"
	NodeKind      = "node_kind"
)
