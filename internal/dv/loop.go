package dv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Background loop names recorded in LoopRun.Loop.
const (
	LoopReconcile    = "reconcile"
	LoopCleanup      = "cleanup"
	LoopAuditCleanup = "audit_cleanup"
)

// LoopRun statuses.
const (
	RunRunning   = "running"
	RunSuccess   = "success"
	RunPartial   = "partial"
	RunError     = "error"
	RunCancelled = "cancelled"
)

// TickResult counts what one loop tick did. Checked is how many items were
// looked at, Processed how many were changed.
type TickResult struct {
	Checked   int64
	Processed int64
	Failed    int64
}

// ParseSchedule returns the cron expression schedule if expr is set, and a
// fixed interval schedule otherwise.
func ParseSchedule(interval time.Duration, expr string) (cron.Schedule, error) {
	if expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("parsing schedule %q: %w", expr, err)
		}
		return sched, nil
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive: %s", interval)
	}
	return cron.Every(interval), nil
}

// RunLoop calls tick, then waits until the schedule's next activation and
// repeats, until ctx is cancelled. The next tick is scheduled only after the
// previous one returned, so ticks never overlap.
func RunLoop(ctx context.Context, sched cron.Schedule, clock Clock, tick func(context.Context)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		tick(ctx)

		now := clock.Now()
		wait := sched.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// trackRun runs tick and records it as a LoopRun. Failing to record is
// logged and does not stop the tick.
func (s *DVService) trackRun(ctx context.Context, loop string, tick func(context.Context) (TickResult, error)) (TickResult, error) {
	run, err := s.database.CreateLoopRun(ctx, loop, s.clock.Now())
	if err != nil {
		s.logger.Warn("recording loop run", "loop", loop, "error", err)
		run = nil
	}

	res, tickErr := tick(ctx)

	switch {
	case tickErr != nil:
		s.logger.Error("loop tick failed", "loop", loop, "error", tickErr)
	case res.Failed > 0:
		s.logger.Warn("loop tick finished with failures", "loop", loop, "checked", res.Checked, "processed", res.Processed, "failed", res.Failed)
	default:
		s.logger.Info("loop tick finished", "loop", loop, "checked", res.Checked, "processed", res.Processed)
	}

	if run == nil {
		return res, tickErr
	}

	run.FinishedAt = sql.NullTime{Time: s.clock.Now(), Valid: true}
	run.Processed = res.Processed
	run.Failed = res.Failed
	switch {
	case ctx.Err() != nil:
		run.Status = RunCancelled
	case tickErr != nil:
		run.Status = RunError
	case res.Failed > 0:
		run.Status = RunPartial
	default:
		run.Status = RunSuccess
	}
	if err := s.database.FinishLoopRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("finishing loop run", "loop", loop, "run", run.ID, "error", err)
	}
	return res, tickErr
}
