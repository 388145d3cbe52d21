package logkeys

const (
	InstanceID    = "instance_id"
	DefinitionID  = "definition_id"
	DefinitionKey = "definition_key"
	NodeID        = "node_id"
	TaskID        = "task_id"
	WorkerID      = "worker_id"
	BusinessKey   = "business_key"
	RetriesLeft   = "retries_left"
	DueDate       = "due_date"
)
