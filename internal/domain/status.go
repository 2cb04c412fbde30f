package domain

// JobStatus is the lifecycle state of a job. Transitions only move forward.
type JobStatus string

const (
	StatusNotStart   JobStatus = "NOT_START"
	StatusSubmitted  JobStatus = "SUBMITTED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusSuccess    JobStatus = "SUCCESS"
	StatusFailure    JobStatus = "FAILURE"
)

func (s JobStatus) rank() int {
	switch s {
	case StatusNotStart:
		return 0
	case StatusSubmitted:
		return 1
	case StatusInProgress:
		return 2
	case StatusSuccess, StatusFailure:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool { return s == StatusSuccess || s == StatusFailure }

// Pending reports whether the job still waits for vendor events.
func (s JobStatus) Pending() bool { return s == StatusSubmitted || s == StatusInProgress }

// CanTransition reports whether a job may move from one status to another.
//
// In-progress may repeat (progress updates); every other move must strictly
// increase the rank, and terminal states are final.
func CanTransition(from, to JobStatus) bool {
	if to.rank() < 0 || from.Terminal() {
		return false
	}
	if from == to {
		return from == StatusInProgress
	}
	return to.rank() > from.rank()
}
