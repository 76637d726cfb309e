package scheduler

import (
	"context"
	"time"
)

// Ledger is the durable record of every run the coordinator has scheduled
// or executed. Lookups that find nothing return (nil, nil).
type Ledger interface {
	Insert(ctx context.Context, run *Run) error
	// MarkRunning transitions a scheduled row to running.
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	// MarkSucceeded closes a running row with the agent's response.
	MarkSucceeded(ctx context.Context, id string, durationMs int64, response string) error
	// MarkFailed closes a running row with the failure message.
	MarkFailed(ctx context.Context, id string, errMsg string, durationMs int64) error
	// CancelScheduled cancels every row still in the scheduled state and
	// returns how many it touched.
	CancelScheduled(ctx context.Context) (int64, error)

	Get(ctx context.Context, id string) (*Run, error)
	// Recent returns up to limit rows newest first, optionally filtered
	// to the given statuses.
	Recent(ctx context.Context, limit int, statuses ...Status) ([]*Run, error)
	ByTopic(ctx context.Context, topic string, limit int) ([]*Run, error)
	Failed(ctx context.Context, limit int) ([]*Run, error)
	CreatedSince(ctx context.Context, since time.Time) ([]*Run, error)
	// LatestScheduled returns the scheduled row with the earliest
	// scheduled_at, or (nil, nil) when none is pending.
	LatestScheduled(ctx context.Context) (*Run, error)
}

// Notifier is told about runs that end in failure.
type Notifier interface {
	RunFailed(ctx context.Context, run *Run)
}
