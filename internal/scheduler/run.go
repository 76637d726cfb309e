package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run ledger row.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Run is one row of the run ledger. A row is created when a run is
// scheduled or launched and updated in place as the run progresses.
type Run struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason"`
	Topic       string     `json:"topic,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Response    string     `json:"response,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewScheduledRun creates a ledger row for a run planned at a future time.
func NewScheduledRun(at time.Time, reason, topic string) *Run {
	r := newRun(reason, topic)
	r.Status = StatusScheduled
	r.ScheduledAt = &at
	return r
}

func newRun(reason, topic string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New().String(),
		Reason:    reason,
		Topic:     topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
