package dv

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
)

// KeepSet returns the IDs of the versions retention must keep: the
// maxVersions highest version numbers, every version created within the
// last retentionDays, and the active version.
func KeepSet(versions []*FileVersion, now time.Time, retentionDays, maxVersions int) map[string]bool {
	keep := make(map[string]bool, len(versions))

	sorted := slices.Clone(versions)
	slices.SortFunc(sorted, func(a, b *FileVersion) int {
		switch {
		case a.Version > b.Version:
			return -1
		case a.Version < b.Version:
			return 1
		}
		return 0
	})
	for i, v := range sorted {
		if i < maxVersions {
			keep[v.ID] = true
		}
	}

	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
	for _, v := range versions {
		if !v.CreatedAt.Before(cutoff) || v.IsActive {
			keep[v.ID] = true
		}
	}
	return keep
}

// RetentionCleaner deletes versions that fall outside the keep set of
// their file, the record first and then its archived bytes.
type RetentionCleaner struct {
	svc           *DVService
	retentionDays int
	maxVersions   int
}

func NewRetentionCleaner(svc *DVService, retentionDays, maxVersions int) *RetentionCleaner {
	return &RetentionCleaner{
		svc:           svc,
		retentionDays: retentionDays,
		maxVersions:   maxVersions,
	}
}

// Run cleans on every activation of sched until ctx is cancelled.
func (c *RetentionCleaner) Run(ctx context.Context, sched cron.Schedule) error {
	return RunLoop(ctx, sched, c.svc.clock, func(ctx context.Context) {
		c.RunOnce(ctx)
	})
}

// RunOnce performs one recorded tick.
func (c *RetentionCleaner) RunOnce(ctx context.Context) (TickResult, error) {
	return c.svc.trackRun(ctx, LoopCleanup, c.Tick)
}

// Tick applies retention to every file, soft-deleted ones included.
// Processed counts deleted versions; a file that fails counts once in
// Failed and the tick moves on.
func (c *RetentionCleaner) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	files, err := c.svc.database.ListAllFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("listing files: %w", err)
	}

	now := c.svc.clock.Now()
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		deleted, err := c.cleanFile(ctx, file, now)
		res.Processed += deleted
		if err != nil {
			res.Failed++
			c.svc.logger.Error("cleaning file versions", "file", file.ID, "error", err)
		}
	}
	return res, nil
}

func (c *RetentionCleaner) cleanFile(ctx context.Context, file *FileItem, now time.Time) (int64, error) {
	s := c.svc

	unlock := s.fileLocks.Lock(file.ID)
	defer unlock()

	versions, err := s.database.ListVersions(ctx, file.ID)
	if err != nil {
		return 0, fmt.Errorf("listing versions: %w", err)
	}

	keep := KeepSet(versions, now, c.retentionDays, c.maxVersions)
	var deleted int64
	for _, v := range versions {
		if keep[v.ID] {
			continue
		}
		// The row goes first. A failure afterwards leaves unreferenced bytes
		// rather than a version that cannot be read back.
		if err := s.database.DeleteVersion(ctx, v.ID); err != nil {
			return deleted, fmt.Errorf("deleting version %d: %w", v.Version, err)
		}
		deleted++
		if _, err := s.archive.Delete(file.ID, v.ID); err != nil {
			s.logger.Warn("archived bytes left after version removal", "file", file.ID, "version", v.Version, "error", err)
		}
		s.logger.Debug("version removed by retention", "file", file.ID, "version", v.Version)
	}

	if deleted > 0 {
		s.record(ctx, "", ActionVersionDelete, EntityFile, file.ID, file.Name, fmt.Sprintf("retention removed %d versions", deleted))
	}
	return deleted, nil
}
