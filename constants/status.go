package constants

// TaskStatus is the canonical status stored in task records.
type TaskStatus string

// Stable values (store these exact strings on disk).
const (
	TaskStatusScheduled TaskStatus = "SCHEDULED" // written by submit
	TaskStatusRunning   TaskStatus = "RUNNING"   // claimed by the orchestrator
	TaskStatusDone      TaskStatus = "DONE"      // terminal, output available
	TaskStatusError     TaskStatus = "ERROR"     // terminal, message set
)

var allStatuses = []TaskStatus{
	TaskStatusScheduled,
	TaskStatusRunning,
	TaskStatusDone,
	TaskStatusError,
}

// StatusStrings lists every valid status value.
func StatusStrings() []string {
	out := make([]string, len(allStatuses))
	for i, s := range allStatuses {
		out[i] = string(s)
	}
	return out
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	for _, v := range allStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// CanTransition reports whether from -> to moves strictly forward.
// RUNNING -> RUNNING is allowed so an interrupted task can be resumed.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusScheduled:
		return to == TaskStatusRunning || to == TaskStatusError
	case TaskStatusRunning:
		return to == TaskStatusRunning || to == TaskStatusDone || to == TaskStatusError
	default:
		return false
	}
}
