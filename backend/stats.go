package backend

// Stats are point-in-time counts reported by a repository.
type Stats struct {
	ActiveProcessInstances int64
	PendingExecutableTasks int64
	OpenExternalTasks      int64
	OpenIncidents          int64
}
