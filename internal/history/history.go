package history

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType defines how a job wait ended.
type EventType string

const (
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventJobTimeout   EventType = "job_timeout"
	EventJobAborted   EventType = "job_aborted"
	// EventJobPollerStopped ends a wait whose poller was not running.
	EventJobPollerStopped EventType = "job_poller_stopped"
)

// Record is the job snapshot a wait ended on, flattened for export.
type Record struct {
	JobID        string        `json:"job_id"`
	State        int           `json:"state"`
	StateName    string        `json:"state_name"`
	Description  string        `json:"description,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	WaitedFor    time.Duration `json:"waited_for"`
	Host         string        `json:"host,omitempty"`
}

// Event represents a finished wait to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// NewEvent stamps rec with a fresh id, the current time and, if unset,
// the local host name.
func NewEvent(t EventType, rec Record) Event {
	if rec.Host == "" {
		rec.Host = hostname
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record:     rec,
	}
}

var hostname, _ = os.Hostname()

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
