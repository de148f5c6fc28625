package core

// Status is the lifecycle state of a run as persisted in checkpoints.
type Status string

const (
	// StatusRunning marks a run still in progress; a thread whose latest
	// checkpoint carries this status is resumable after a crash.
	StatusRunning Status = "running"
	// StatusDone marks a run that converged on a final answer.
	StatusDone Status = "done"
	// StatusFailed marks a run that terminated without converging.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }
