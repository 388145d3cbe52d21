package core

// UnitOfWork is the atomic write-set of one execution segment. It is
// assembled exactly once per segment by the continuation service and
// committed exactly once; repositories must apply it all-or-nothing.
//
// InstanceToUpdate and InstanceToDelete are mutually exclusive: a segment
// either leaves its instance active or completes it, never both.
type UnitOfWork struct {
	InstanceToUpdate *ProcessInstance
	InstanceToDelete *ProcessInstance

	ExecutableTasksToCreate []*ExecutableTask
	ExternalTasksToCreate   []*ExternalTask

	ExecutableTaskIDsToDelete []string
	ExternalTaskIDsToDelete   []string

	IncidentsToCreate []*Incident

	CriticalEvents []*Event
}

// Empty reports whether committing this unit of work would be a no-op.
func (u *UnitOfWork) Empty() bool {
	return u.InstanceToUpdate == nil &&
		u.InstanceToDelete == nil &&
		len(u.ExecutableTasksToCreate) == 0 &&
		len(u.ExternalTasksToCreate) == 0 &&
		len(u.ExecutableTaskIDsToDelete) == 0 &&
		len(u.ExternalTaskIDsToDelete) == 0 &&
		len(u.IncidentsToCreate) == 0 &&
		len(u.CriticalEvents) == 0
}
