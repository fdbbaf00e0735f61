package unity

import (
	"strconv"
	"strings"
	"time"
)

// JobState is the lifecycle state of an array-side job. Values match the
// integers the REST API reports in the job "state" attribute.
type JobState int

const (
	JobStateUnknown            JobState = 0
	JobStateQueued             JobState = 1
	JobStateRunning            JobState = 2
	JobStateSuspended          JobState = 3
	JobStateCompleted          JobState = 4
	JobStateFailed             JobState = 5
	JobStateRollingBack        JobState = 6
	JobStateCompletedWithError JobState = 7
)

var jobStateNames = map[JobState][2]string{
	JobStateUnknown:            {"UNKNOWN", "Unknown"},
	JobStateQueued:             {"QUEUED", "Queued"},
	JobStateRunning:            {"RUNNING", "Running"},
	JobStateSuspended:          {"SUSPENDED", "Suspended"},
	JobStateCompleted:          {"COMPLETED", "Completed"},
	JobStateFailed:             {"FAILED", "Failed"},
	JobStateRollingBack:        {"ROLLING_BACK", "Rolling Back"},
	JobStateCompletedWithError: {"COMPLETED_WITH_ERROR", "Completed with Error"},
}

func (s JobState) String() string {
	if n, ok := jobStateNames[s]; ok {
		return n[0]
	}
	return "JobState(" + strconv.Itoa(int(s)) + ")"
}

// Description returns the human readable text the array uses for the state.
func (s JobState) Description() string {
	if n, ok := jobStateNames[s]; ok {
		return n[1]
	}
	return s.String()
}

// IsTerminal reports whether no further transition follows s.
// Suspended and rolling back jobs are still waiting for a transition.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCompletedWithError:
		return true
	}
	return false
}

// IsSuccess reports whether s is the only success terminal, Completed.
func (s JobState) IsSuccess() bool { return s == JobStateCompleted }

// IsFailure reports whether s is a terminal state other than Completed.
func (s JobState) IsFailure() bool { return s.IsTerminal() && !s.IsSuccess() }

// ParseJobState accepts a constant name ("COMPLETED"), a description
// ("Completed with Error") or the integer index ("4").
func ParseJobState(v string) (JobState, bool) {
	v = strings.TrimSpace(v)
	if i, err := strconv.Atoi(v); err == nil {
		s := JobState(i)
		_, ok := jobStateNames[s]
		return s, ok
	}
	for s, n := range jobStateNames {
		if strings.EqualFold(v, n[0]) || strings.EqualFold(v, n[1]) {
			return s, true
		}
	}
	return JobStateUnknown, false
}

// JobTaskState is the state of one task inside a job.
type JobTaskState int

const (
	JobTaskStateNotStarted            JobTaskState = 0
	JobTaskStateRunning               JobTaskState = 1
	JobTaskStateCompleted             JobTaskState = 2
	JobTaskStateFailed                JobTaskState = 3
	JobTaskStateRollingBack           JobTaskState = 5
	JobTaskStateCompletedWithProblems JobTaskState = 6
	JobTaskStateSuspended             JobTaskState = 7
)

var jobTaskStateNames = map[JobTaskState][2]string{
	JobTaskStateNotStarted:            {"NOT_STARTED", "Not Started"},
	JobTaskStateRunning:               {"RUNNING", "Running"},
	JobTaskStateCompleted:             {"COMPLETED", "Completed"},
	JobTaskStateFailed:                {"FAILED", "Failed"},
	JobTaskStateRollingBack:           {"ROLLING_BACK", "Rolling Back"},
	JobTaskStateCompletedWithProblems: {"COMPLETED_WITH_PROBLEMS", "Completed With Errors"},
	JobTaskStateSuspended:             {"SUSPENDED", "Suspended"},
}

func (s JobTaskState) String() string {
	if n, ok := jobTaskStateNames[s]; ok {
		return n[0]
	}
	return "JobTaskState(" + strconv.Itoa(int(s)) + ")"
}

func (s JobTaskState) Description() string {
	if n, ok := jobTaskStateNames[s]; ok {
		return n[1]
	}
	return s.String()
}

// JobTask is one step of a job as reported in the "tasks" attribute.
type JobTask struct {
	Name        string       `json:"name,omitempty"`
	Object      string       `json:"object,omitempty"`
	State       JobTaskState `json:"state"`
	Description string       `json:"description,omitempty"`
}

// JobMessage carries the error details of a failed job.
type JobMessage struct {
	ErrorCode int              `json:"errorCode,omitempty"`
	Messages  []JobMessageLine `json:"messages,omitempty"`
}

type JobMessageLine struct {
	ErrorCode        int    `json:"errorCode,omitempty"`
	LocalizedMessage string `json:"localizedMessage,omitempty"`
}

// Job is a point-in-time snapshot of an array-side job.
// Snapshots are replaced on refresh, never mutated.
type Job struct {
	ID              string      `json:"id"`
	State           JobState    `json:"state"`
	Description     string      `json:"description,omitempty"`
	MethodName      string      `json:"methodName,omitempty"`
	ProgressPct     int         `json:"progressPct,omitempty"`
	SubmitTime      *time.Time  `json:"submitTime,omitempty"`
	StateChangeTime *time.Time  `json:"stateChangeTime,omitempty"`
	EndTime         *time.Time  `json:"endTime,omitempty"`
	EstRemainTime   string      `json:"estRemainTime,omitempty"`
	Tasks           []JobTask   `json:"tasks,omitempty"`
	MessageOut      *JobMessage `json:"messageOut,omitempty"`
}

// NewJob returns an unrefreshed reference to the job with the given id.
func NewJob(id string) *Job { return &Job{ID: id} }

// ErrorMessage joins the localized message-out lines of the job.
func (j *Job) ErrorMessage() string {
	if j == nil || j.MessageOut == nil {
		return ""
	}
	lines := make([]string, 0, len(j.MessageOut.Messages))
	for _, m := range j.MessageOut.Messages {
		if m.LocalizedMessage != "" {
			lines = append(lines, m.LocalizedMessage)
		}
	}
	return strings.Join(lines, "; ")
}
