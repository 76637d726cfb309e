package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/yume/internal/memory"
	"go.uber.org/zap"
)

// Executor performs the work of one run and returns the agent's response.
type Executor interface {
	Execute(ctx context.Context, reason, topic string) (string, error)
}

// MemorySource supplies the entries the planner derives schedules from.
// *memory.Engine satisfies it.
type MemorySource interface {
	FindAll(ctx context.Context) ([]*memory.Entry, error)
}

// Config tunes the coordinator's timing.
type Config struct {
	TickInterval    time.Duration
	JanitorInterval time.Duration
	RunTimeout      time.Duration
	MinLead         time.Duration
	FallbackDelay   time.Duration
}

type pendingTrigger struct {
	reason string
	topic  string
	runID  string // pre-created scheduled row, if any
}

// Coordinator serializes runs. At most one run executes at a time;
// triggers arriving while one is active coalesce into a single pending
// trigger, latest wins. Every launch and outcome is recorded in the
// ledger, and run failures are absorbed into the ledger and the notifier
// rather than propagated to callers.
type Coordinator struct {
	ledger   Ledger
	exec     Executor
	memories MemorySource
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	active  bool
	pending *pendingTrigger
	nextAt  time.Time
	nextID  string

	// sched serializes every cancel+insert sequence against the ledger,
	// so a replan cannot cancel a row that a launch has inserted but not
	// yet marked running.
	sched sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewCoordinator creates a run coordinator. The notifier may be nil.
func NewCoordinator(ledger Ledger, exec Executor, memories MemorySource, notifier Notifier, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		ledger:   ledger,
		exec:     exec,
		memories: memories,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// TriggerRun requests an immediate run. If a run is already active the
// request is held as the pending trigger, replacing any earlier one, and
// launches as soon as the active run finishes. Returns true when the run
// launched immediately, false when it was coalesced.
func (c *Coordinator) TriggerRun(reason, topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		c.pending = &pendingTrigger{reason: reason, topic: topic}
		c.logger.Debug("run coalesced behind active run",
			zap.String("reason", reason),
			zap.String("topic", topic))
		return false
	}
	c.launchLocked(reason, topic, "")
	return true
}

// launchLocked marks the coordinator active and starts the run loop.
// Callers must hold mu.
func (c *Coordinator) launchLocked(reason, topic, runID string) {
	c.active = true
	c.wg.Add(1)
	go c.runLoop(reason, topic, runID)
}

// runLoop executes runs back to back until no pending trigger remains.
// The pending check happens under the mutex after each run so a trigger
// arriving mid-run is never lost.
func (c *Coordinator) runLoop(reason, topic, runID string) {
	defer c.wg.Done()
	for {
		c.executeOnce(reason, topic, runID)

		c.mu.Lock()
		if c.pending != nil {
			p := c.pending
			c.pending = nil
			c.mu.Unlock()
			reason, topic, runID = p.reason, p.topic, p.runID
			continue
		}
		c.active = false
		c.mu.Unlock()

		// Replanning here, once the burst has drained, keeps a pending
		// trigger's pre-created ledger row out of CancelScheduled's reach.
		c.replan()
		return
	}
}

// executeOnce records one run in the ledger from launch to terminal
// status. A trigger without a pre-created row supersedes any planned
// future run before creating its own. A failure is written to the ledger
// and handed to the notifier but never returned.
func (c *Coordinator) executeOnce(reason, topic, runID string) {
	ctx := context.Background()
	started := time.Now().UTC()

	run := c.claimRun(ctx, started, reason, topic, runID)
	if run == nil {
		return
	}

	runCtx := ctx
	cancel := func() {}
	if c.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
	}
	response, err := c.exec.Execute(runCtx, reason, topic)
	cancel()
	duration := time.Since(started).Milliseconds()

	if err != nil {
		c.logger.Warn("run failed",
			zap.String("run_id", run.ID),
			zap.String("reason", reason),
			zap.Int64("duration_ms", duration),
			zap.Error(err))
		if mErr := c.ledger.MarkFailed(ctx, run.ID, err.Error(), duration); mErr != nil {
			c.logger.Error("mark run failed", zap.String("run_id", run.ID), zap.Error(mErr))
		}
		if c.notifier != nil {
			failed, gErr := c.ledger.Get(ctx, run.ID)
			if gErr != nil || failed == nil {
				failed = run
				failed.Status = StatusFailed
				failed.Error = err.Error()
			}
			c.notifier.RunFailed(ctx, failed)
		}
		return
	}

	c.logger.Info("run succeeded",
		zap.String("run_id", run.ID),
		zap.String("reason", reason),
		zap.Int64("duration_ms", duration))
	if mErr := c.ledger.MarkSucceeded(ctx, run.ID, duration, response); mErr != nil {
		c.logger.Error("mark run succeeded", zap.String("run_id", run.ID), zap.Error(mErr))
	}
}

// claimRun moves a ledger row into the running state for this launch,
// holding the scheduling mutex so the whole cancel+insert+mark-running
// sequence is atomic against ScheduleAt. A pre-created row that was
// superseded before launch falls through to a fresh row. Returns nil
// when the ledger refused the claim; the run is then skipped.
func (c *Coordinator) claimRun(ctx context.Context, started time.Time, reason, topic, runID string) *Run {
	c.sched.Lock()
	defer c.sched.Unlock()

	if runID != "" {
		if err := c.ledger.MarkRunning(ctx, runID, started); err != nil {
			c.logger.Warn("scheduled run superseded before launch",
				zap.String("run_id", runID), zap.Error(err))
		} else if run, gErr := c.ledger.Get(ctx, runID); gErr == nil && run != nil {
			return run
		}
	}

	if cancelled, err := c.ledger.CancelScheduled(ctx); err != nil {
		c.logger.Error("cancel scheduled runs", zap.Error(err))
	} else if cancelled > 0 {
		c.logger.Debug("superseded scheduled runs", zap.Int64("count", cancelled))
	}
	run := NewScheduledRun(started, reason, topic)
	if err := c.ledger.Insert(ctx, run); err != nil {
		c.logger.Error("insert run", zap.Error(err))
		return nil
	}
	if err := c.ledger.MarkRunning(ctx, run.ID, started); err != nil {
		c.logger.Error("mark run running", zap.String("run_id", run.ID), zap.Error(err))
		return nil
	}
	run.Status = StatusRunning
	run.StartedAt = &started
	return run
}

// Idle reports whether no run is active or pending.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.active && c.pending == nil
}

// ScheduleAt cancels any still-pending scheduled rows, records a new one
// for the given time, and arms the tick loop to launch it.
func (c *Coordinator) ScheduleAt(ctx context.Context, at time.Time, reason, topic string) (*Run, error) {
	c.sched.Lock()
	cancelled, err := c.ledger.CancelScheduled(ctx)
	if err != nil {
		c.sched.Unlock()
		return nil, err
	}
	if cancelled > 0 {
		c.logger.Debug("superseded scheduled runs", zap.Int64("count", cancelled))
	}

	run := NewScheduledRun(at, reason, topic)
	if err := c.ledger.Insert(ctx, run); err != nil {
		c.sched.Unlock()
		return nil, err
	}
	c.sched.Unlock()

	c.mu.Lock()
	c.nextAt = at
	c.nextID = run.ID
	c.mu.Unlock()

	c.logger.Info("run scheduled",
		zap.String("run_id", run.ID),
		zap.Time("at", at),
		zap.String("reason", reason),
		zap.String("topic", topic))
	return run, nil
}

// Replan recomputes the next scheduled run from the current memory
// entries. Called after memory mutations and after every terminal run.
func (c *Coordinator) Replan(ctx context.Context) error {
	entries, err := c.memories.FindAll(ctx)
	if err != nil {
		return err
	}
	next := ComputeNextRun(entries, time.Now().UTC(), c.cfg.MinLead, c.cfg.FallbackDelay)
	_, err = c.ScheduleAt(ctx, next.Time, next.Reason, next.Topic)
	return err
}

func (c *Coordinator) replan() {
	if err := c.Replan(context.Background()); err != nil {
		c.logger.Error("replan after run", zap.Error(err))
	}
}

// Start runs the tick loop that fires scheduled runs and the janitor.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.tickLoop()
}

// Stop halts the tick loop and waits for any in-flight run to finish.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Coordinator) tickLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	var janitor <-chan time.Time
	if c.cfg.JanitorInterval > 0 {
		jt := time.NewTicker(c.cfg.JanitorInterval)
		defer jt.Stop()
		janitor = jt.C
	}

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.fireDue()
		case <-janitor:
			c.TriggerRun("janitor", "")
		}
	}
}

// fireDue launches the armed scheduled run once its time arrives. When a
// run is already active the scheduled row is handed over as the pending
// trigger so it launches next, using its pre-created ledger row.
func (c *Coordinator) fireDue() {
	c.mu.Lock()
	id, at := c.nextID, c.nextAt
	c.mu.Unlock()

	if id == "" || time.Now().Before(at) {
		return
	}

	// The ledger read happens off the mutex so a slow read never blocks
	// triggers.
	reason, topic := "scheduled", ""
	if run, err := c.ledger.Get(context.Background(), id); err == nil && run != nil {
		if run.Status != StatusScheduled {
			// Superseded or already handled.
			c.disarm(id)
			return
		}
		reason, topic = run.Reason, run.Topic
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextID != id {
		// Re-armed while the row was being read.
		return
	}
	c.nextID = ""
	c.nextAt = time.Time{}

	if c.active {
		c.pending = &pendingTrigger{reason: reason, topic: topic, runID: id}
		return
	}
	c.launchLocked(reason, topic, id)
}

func (c *Coordinator) disarm(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextID == id {
		c.nextID = ""
		c.nextAt = time.Time{}
	}
}
