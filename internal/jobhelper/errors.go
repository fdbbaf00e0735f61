package jobhelper

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/storops/pkg/unity"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrJobState      = errors.New("job finished in a failure state")
	ErrJobTimeout    = errors.New("timed out waiting for job")
	ErrPollerStopped = errors.New("job poller is not running")
)

// JobStateError reports a job that reached a terminal state other than
// completed. Job is the snapshot that was observed.
type JobStateError struct {
	Job *unity.Job
}

func (e *JobStateError) Error() string {
	if e.Job == nil {
		return ErrJobState.Error()
	}
	msg := fmt.Sprintf("job %s finished in state %s", e.Job.ID, e.Job.State.Description())
	if m := e.Job.ErrorMessage(); m != "" {
		msg += ": " + m
	}
	return msg
}

func (e *JobStateError) Is(target error) bool { return target == ErrJobState }

// JobTimeoutError reports a wait whose budget elapsed before the job
// reached a terminal state. Last is the most recent snapshot seen.
type JobTimeoutError struct {
	JobID   string
	Timeout time.Duration
	Last    *unity.Job
}

func (e *JobTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for job %s", e.Timeout, e.JobID)
}

func (e *JobTimeoutError) Is(target error) bool { return target == ErrJobTimeout }

// PollerStoppedError is returned by WaitJob when the poller is not running.
// Err is the failure that stopped it, nil if it was stopped on purpose.
type PollerStoppedError struct {
	Err error
}

func (e *PollerStoppedError) Error() string {
	if e.Err == nil {
		return ErrPollerStopped.Error()
	}
	return ErrPollerStopped.Error() + ": " + e.Err.Error()
}

func (e *PollerStoppedError) Is(target error) bool { return target == ErrPollerStopped }

func (e *PollerStoppedError) Unwrap() error { return e.Err }
