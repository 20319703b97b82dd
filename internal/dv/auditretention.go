package dv

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// AuditCleaner drops audit entries older than the retention window.
// A window of zero days keeps every entry.
type AuditCleaner struct {
	svc           *DVService
	retentionDays int
}

func NewAuditCleaner(svc *DVService, retentionDays int) *AuditCleaner {
	return &AuditCleaner{svc: svc, retentionDays: retentionDays}
}

// Run cleans on every activation of sched until ctx is cancelled.
func (c *AuditCleaner) Run(ctx context.Context, sched cron.Schedule) error {
	return RunLoop(ctx, sched, c.svc.clock, func(ctx context.Context) {
		c.RunOnce(ctx)
	})
}

// RunOnce performs one recorded tick.
func (c *AuditCleaner) RunOnce(ctx context.Context) (TickResult, error) {
	return c.svc.trackRun(ctx, LoopAuditCleanup, c.Tick)
}

// Tick deletes every entry created before the cutoff. Processed counts
// deleted entries.
func (c *AuditCleaner) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if c.retentionDays <= 0 {
		return res, nil
	}

	cutoff := c.svc.clock.Now().Add(-time.Duration(c.retentionDays) * 24 * time.Hour)
	n, err := c.svc.database.DeleteAuditEntriesBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("deleting audit entries before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	res.Processed = n
	if n > 0 {
		c.svc.logger.Info("audit entries expired", "count", n, "cutoff", cutoff)
	}
	return res, nil
}
