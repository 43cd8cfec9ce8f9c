package orchestrator

import "errors"

var (
	// ErrNotFound means the job id is unknown to the store.
	ErrNotFound = errors.New("job not found")
	// ErrIllegalTransition means the requested transition is not legal from
	// the job's current status.
	ErrIllegalTransition = errors.New("illegal job state transition")
	// ErrNotCancelable means cancellation was requested on a job created with
	// cancelable=false.
	ErrNotCancelable = errors.New("job is not cancelable")
)
