package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/yume/internal/scheduler"
)

// RunStore persists the run ledger in the scheduler_runs table. It
// implements scheduler.Ledger.
type RunStore struct {
	db *pgxpool.Pool
}

const runColumns = `id, status, reason, topic, scheduled_at, started_at, duration_ms, response, error, created_at, updated_at`

// Insert records a new ledger row.
func (s *RunStore) Insert(ctx context.Context, run *scheduler.Run) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO scheduler_runs (id, status, reason, topic, scheduled_at, started_at, duration_ms, response, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Status, run.Reason, run.Topic, run.ScheduledAt, run.StartedAt,
		run.DurationMs, run.Response, run.Error, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// MarkRunning transitions a scheduled row to running. A row no longer in
// the scheduled state (superseded in the meantime) is an error.
func (s *RunStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduler_runs
		SET status = $1, started_at = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		scheduler.StatusRunning, startedAt, id, scheduler.StatusScheduled,
	)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is not scheduled", id)
	}
	return nil
}

// MarkSucceeded closes a running row with the agent's response. A row no
// longer running (cancelled in the meantime) is an error, so a terminal
// row cannot be resurrected.
func (s *RunStore) MarkSucceeded(ctx context.Context, id string, durationMs int64, response string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduler_runs
		SET status = $1, duration_ms = $2, response = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		scheduler.StatusSucceeded, durationMs, response, id, scheduler.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark run succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is not running", id)
	}
	return nil
}

// MarkFailed closes a running row with the failure message. A row no
// longer running is an error.
func (s *RunStore) MarkFailed(ctx context.Context, id string, errMsg string, durationMs int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduler_runs
		SET status = $1, error = $2, duration_ms = $3, updated_at = now()
		WHERE id = $4 AND status = $5`,
		scheduler.StatusFailed, errMsg, durationMs, id, scheduler.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is not running", id)
	}
	return nil
}

// CancelScheduled cancels every row still in the scheduled state.
func (s *RunStore) CancelScheduled(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE scheduler_runs
		SET status = $1, updated_at = now()
		WHERE status = $2`,
		scheduler.StatusCancelled, scheduler.StatusScheduled,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns the run by id, or (nil, nil) when absent.
func (s *RunStore) Get(ctx context.Context, id string) (*scheduler.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM scheduler_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// Recent returns up to limit rows most recently updated first,
// optionally filtered to the given statuses.
func (s *RunStore) Recent(ctx context.Context, limit int, statuses ...scheduler.Status) ([]*scheduler.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.Query(ctx, `
			SELECT `+runColumns+` FROM scheduler_runs
			ORDER BY updated_at DESC LIMIT $1`, limit)
	} else {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		rows, err = s.db.Query(ctx, `
			SELECT `+runColumns+` FROM scheduler_runs
			WHERE status = ANY($1)
			ORDER BY updated_at DESC LIMIT $2`, names, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ByTopic returns the most recently updated runs for a topic.
func (s *RunStore) ByTopic(ctx context.Context, topic string, limit int) ([]*scheduler.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+` FROM scheduler_runs
		WHERE topic = $1
		ORDER BY updated_at DESC LIMIT $2`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("runs by topic: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Failed returns the most recent failed runs.
func (s *RunStore) Failed(ctx context.Context, limit int) ([]*scheduler.Run, error) {
	return s.Recent(ctx, limit, scheduler.StatusFailed)
}

// CreatedSince returns all runs created at or after the given time,
// oldest first.
func (s *RunStore) CreatedSince(ctx context.Context, since time.Time) ([]*scheduler.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+` FROM scheduler_runs
		WHERE created_at >= $1
		ORDER BY created_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("runs since %s: %w", since, err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// LatestScheduled returns the pending scheduled row with the latest
// scheduled_at, or (nil, nil) when none is pending.
func (s *RunStore) LatestScheduled(ctx context.Context) (*scheduler.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM scheduler_runs
		WHERE status = $1
		ORDER BY scheduled_at DESC LIMIT 1`, scheduler.StatusScheduled)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest scheduled run: %w", err)
	}
	return run, nil
}

func collectRuns(rows pgx.Rows) ([]*scheduler.Run, error) {
	var out []*scheduler.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*scheduler.Run, error) {
	var r scheduler.Run
	err := row.Scan(&r.ID, &r.Status, &r.Reason, &r.Topic, &r.ScheduledAt, &r.StartedAt,
		&r.DurationMs, &r.Response, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
