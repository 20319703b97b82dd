package dv

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// AutoVersionComment is attached to versions the reconciler creates.
const AutoVersionComment = "Auto-version after editing"

// EditReconciler turns out-of-band edits of in_editing files into versions.
// A file whose remote copy changed after its newest version is versioned
// and returned to active; an unchanged file is left in editing.
type EditReconciler struct {
	svc *DVService
}

func NewEditReconciler(svc *DVService) *EditReconciler {
	return &EditReconciler{svc: svc}
}

// Run reconciles on every activation of sched until ctx is cancelled.
func (r *EditReconciler) Run(ctx context.Context, sched cron.Schedule) error {
	return RunLoop(ctx, sched, r.svc.clock, func(ctx context.Context) {
		r.RunOnce(ctx)
	})
}

// RunOnce performs one recorded tick.
func (r *EditReconciler) RunOnce(ctx context.Context) (TickResult, error) {
	return r.svc.trackRun(ctx, LoopReconcile, r.Tick)
}

// Tick checks every file in editing once. Per-file failures are logged and
// counted; only listing failures or cancellation end the tick early.
func (r *EditReconciler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	files, err := r.svc.database.ListFilesByStatus(ctx, StatusInEditing)
	if err != nil {
		return res, fmt.Errorf("listing files in editing: %w", err)
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		versioned, err := r.reconcile(ctx, file.ID)
		if err != nil {
			res.Failed++
			r.svc.logger.Error("reconciling file", "file", file.ID, "error", err)
			continue
		}
		if versioned {
			res.Processed++
		}
	}
	return res, nil
}

// reconcile versions one file if its remote copy is newer than its newest
// version. The file is re-read so a session closed since listing is skipped.
func (r *EditReconciler) reconcile(ctx context.Context, fileID string) (bool, error) {
	s := r.svc

	file, err := s.database.FindFileByID(ctx, fileID)
	if err != nil {
		return false, fmt.Errorf("finding file: %w", err)
	}
	if file == nil || file.IsDeleted || file.Status != StatusInEditing {
		return false, nil
	}

	versions, err := s.database.ListVersions(ctx, file.ID)
	if err != nil {
		return false, fmt.Errorf("listing versions: %w", err)
	}
	baseline := file.CreatedAt
	if len(versions) > 0 {
		baseline = versions[len(versions)-1].CreatedAt
	}

	rctx, cancel := s.remoteContext(ctx)
	modified, err := s.remote.LastModified(rctx, file.RemotePath)
	cancel()
	if err != nil {
		return false, fmt.Errorf("probing remote: %w", err)
	}
	if !modified.After(baseline) {
		s.logger.Debug("no remote changes", "file", file.ID, "modified", modified, "baseline", baseline)
		return false, nil
	}

	actor := file.EditingBy
	if actor == "" {
		actor = file.OwnerID
	}
	version, err := s.finishEditing(ctx, file, actor, AutoVersionComment)
	if err != nil {
		return false, err
	}

	s.logger.Info("edit reconciled", "file", file.ID, "version", version.Version, "by", actor)
	return true, nil
}
