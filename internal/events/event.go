// Package events defines the job lifecycle notifications emitted by the
// orchestrator and the hub that fans them out to subscribers.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type denotes the lifecycle milestone represented by an Event.
type Type string

// Supported lifecycle event types. For a single job the emission order is
// always JobStarted, zero or more JobProgress, then exactly one terminal
// event (JobCompleted, JobFailed, or JobCancelled).
const (
	TypeJobStarted   Type = "jobStarted"
	TypeJobProgress  Type = "jobProgress"
	TypeJobCompleted Type = "jobCompleted"
	TypeJobFailed    Type = "jobFailed"
	TypeJobCancelled Type = "jobCancelled"
)

// Event captures a single job lifecycle notification. Events are best-effort;
// the authoritative state is always retrievable from the orchestrator.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Type denotes which lifecycle milestone occurred.
	Type Type
	// Completed and Total carry the progress counts for JobProgress events.
	Completed int
	Total     int
	// Note carries low-volume context such as terminal error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeJobStarted, TypeJobCompleted, TypeJobCancelled:
	case TypeJobFailed:
	case TypeJobProgress:
		if e.Total <= 0 {
			return errors.New("progress requires a total")
		}
		if e.Completed < 0 || e.Completed > e.Total {
			return errors.New("completed out of range")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
