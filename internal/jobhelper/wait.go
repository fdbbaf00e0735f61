package jobhelper

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/storops/internal/history"
	"github.com/loykin/storops/internal/metrics"
	"github.com/loykin/storops/pkg/unity"
)

const historySendTimeout = 5 * time.Second

// WaitJob blocks until job reaches a terminal state, timeout elapses, ctx
// is done or the poller stops. It returns the completed snapshot, a
// *JobStateError for failed and completed-with-error jobs, a
// *JobTimeoutError or a *PollerStoppedError. Non-positive timeout and
// interval select the defaults. The job is untracked before returning.
func (h *JobHelper) WaitJob(ctx context.Context, job *unity.Job, timeout, interval time.Duration) (*unity.Job, error) {
	if job == nil || job.ID == "" {
		return nil, errors.New("wait job: job has no id")
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	if interval > timeout {
		interval = timeout
	}

	start := time.Now()
	deadline := start.Add(timeout)
	last := job

	h.AddJob(job)
	defer h.RemoveJob(job)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		if snap, ok := h.reg.get(job.ID); ok {
			last = snap
		} else {
			// another waiter on the same id cleaned up while we still wait
			h.AddJob(last)
		}

		switch {
		case last.State.IsSuccess():
			h.finish(history.EventJobCompleted, metrics.WaitCompleted, last, start)
			return last, nil
		case last.State.IsFailure():
			h.finish(history.EventJobFailed, metrics.WaitFailed, last, start)
			return nil, &JobStateError{Job: last}
		}

		// a terminal snapshot wins over a dead poller
		if err := h.health(); err != nil {
			h.finish(history.EventJobPollerStopped, metrics.WaitPollerStopped, last, start)
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			h.finish(history.EventJobTimeout, metrics.WaitTimeout, last, start)
			return nil, &JobTimeoutError{JobID: job.ID, Timeout: timeout, Last: last}
		}
		timer.Reset(min(interval, remaining))

		select {
		case <-ctx.Done():
			h.finish(history.EventJobAborted, metrics.WaitAborted, last, start)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (h *JobHelper) finish(typ history.EventType, outcome string, last *unity.Job, start time.Time) {
	waited := time.Since(start)
	metrics.ObserveWait(outcome, waited.Seconds())
	h.logger.Info("Job wait finished", "job", last.ID, "outcome", outcome,
		"state", last.State.String(), "waited", waited)

	if h.history == nil {
		return
	}
	e := history.NewEvent(typ, history.Record{
		JobID:        last.ID,
		State:        int(last.State),
		StateName:    last.State.String(),
		Description:  last.Description,
		ErrorMessage: last.ErrorMessage(),
		WaitedFor:    waited,
	})
	ctx, cancel := context.WithTimeout(context.Background(), historySendTimeout)
	defer cancel()
	if err := h.history.Send(ctx, e); err != nil {
		h.logger.Warn("Failed to record job history", "job", last.ID, "error", err)
	}
}
