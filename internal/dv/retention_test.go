package dv_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dv-go/internal/dv"
	"dv-go/internal/testutil"
)

func TestKeepSet(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	// Ages in days, oldest version first; the newest is active.
	ages := []int{400, 50, 40, 10, 0}
	var versions []*dv.FileVersion
	for i, age := range ages {
		versions = append(versions, &dv.FileVersion{
			ID:        fmt.Sprintf("v%d", i+1),
			Version:   int64(i + 1),
			CreatedAt: now.Add(-time.Duration(age) * day),
			IsActive:  i == len(ages)-1,
		})
	}

	tests := []struct {
		name          string
		retentionDays int
		maxVersions   int
		want          []string
	}{
		{"count and age", 30, 2, []string{"v4", "v5"}},
		{"count wins over age", 30, 4, []string{"v2", "v3", "v4", "v5"}},
		{"age wins over count", 45, 1, []string{"v3", "v4", "v5"}},
		{"boundary age is kept", 40, 1, []string{"v3", "v4", "v5"}},
		{"active always kept", 0, 1, []string{"v5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep := dv.KeepSet(versions, now, tt.retentionDays, tt.maxVersions)
			if len(keep) != len(tt.want) {
				t.Errorf("KeepSet() kept %d versions, want %d: %v", len(keep), len(tt.want), keep)
			}
			for _, id := range tt.want {
				if !keep[id] {
					t.Errorf("KeepSet() dropped %s", id)
				}
			}
		})
	}

	t.Run("active version outside both bounds", func(t *testing.T) {
		old := []*dv.FileVersion{
			{ID: "a", Version: 1, CreatedAt: now.Add(-500 * day), IsActive: true},
			{ID: "b", Version: 2, CreatedAt: now.Add(-400 * day)},
		}
		keep := dv.KeepSet(old, now, 30, 1)
		if !keep["a"] || !keep["b"] {
			t.Errorf("KeepSet() = %v, want both kept", keep)
		}
	})
}

func TestRetentionCleaner(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)

	// Versions aged 400, 50, 40, 10 and 0 days at cleanup time.
	start := env.Clock.Now()
	file := env.Upload(t, folder.ID, "q1.docx", "v1", alice.ID)
	for i, offset := range []int{350, 360, 390, 400} {
		env.Clock.Set(start.Add(time.Duration(offset) * 24 * time.Hour))
		env.EditRemote(t, file, fmt.Sprintf("v%d", i+2))
		if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, ""); err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
	}
	other := env.Upload(t, folder.ID, "untouched.docx", "single", alice.ID)
	var expiredIDs []string
	for n := int64(1); n <= 3; n++ {
		expiredIDs = append(expiredIDs, env.VersionID(t, file.ID, n))
	}
	otherID := env.VersionID(t, other.ID, 1)

	cleaner := dv.NewRetentionCleaner(env.Service, 30, 2)
	res, err := cleaner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Checked != 2 || res.Processed != 3 || res.Failed != 0 {
		t.Errorf("RunOnce() = %+v, want 2 checked, 3 processed", res)
	}

	versions, err := env.DB.ListVersions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	var left []int64
	for _, v := range versions {
		left = append(left, v.Version)
	}
	if fmt.Sprint(left) != "[4 5]" {
		t.Errorf("versions left = %v, want [4 5]", left)
	}
	for i, id := range expiredIDs {
		if ok, _ := env.Archive.Exists(file.ID, id); ok {
			t.Errorf("archived bytes of version %d survived", i+1)
		}
	}
	if ok, _ := env.Archive.Exists(other.ID, otherID); !ok {
		t.Error("single version of untouched file removed")
	}

	deletes := env.Audit.Find(dv.ActionVersionDelete)
	if len(deletes) != 1 || deletes[0].UserID != "" || deletes[0].EntityID != file.ID {
		t.Errorf("version_delete entries = %+v, want one system entry for q1.docx", deletes)
	}

	// A second pass finds nothing left to delete.
	res, err = cleaner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce() error = %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("second RunOnce() processed %d, want 0", res.Processed)
	}

	runs, err := env.Service.ListLoopRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListLoopRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Loop != dv.LoopCleanup || r.Status != dv.RunSuccess || !r.FinishedAt.Valid {
			t.Errorf("run = %+v, want finished successful cleanup", r)
		}
	}
}

func TestRetentionCleaner_IncludesDeletedFiles(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "v1", alice.ID)
	env.Clock.Advance(100 * 24 * time.Hour)
	env.EditRemote(t, file, "v2")
	if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, ""); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if err := env.Service.DeleteFile(ctx, file.ID, alice.ID); err != nil {
		t.Fatalf("DeleteFile() error = %v", err)
	}

	res, err := dv.NewRetentionCleaner(env.Service, 30, 1).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Processed != 1 {
		t.Errorf("Processed = %d, want 1", res.Processed)
	}
	if ok, _ := env.Archive.Exists(file.ID, env.VersionID(t, file.ID, 2)); !ok {
		t.Error("newest version of deleted file removed")
	}
}

// lockedVersionsDatabase refuses to delete version rows.
type lockedVersionsDatabase struct {
	dv.Database
}

func (lockedVersionsDatabase) DeleteVersion(context.Context, string) error {
	return errors.New("database is locked")
}

func TestRetentionCleaner_FailedRowDeleteKeepsBytes(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "v1", alice.ID)
	env.Clock.Advance(100 * 24 * time.Hour)
	env.EditRemote(t, file, "v2")
	if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, ""); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	oldID := env.VersionID(t, file.ID, 1)

	svc := env.ServiceWith(lockedVersionsDatabase{Database: env.DB}, env.Archive)
	res, err := dv.NewRetentionCleaner(svc, 30, 1).Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if res.Failed != 1 || res.Processed != 0 {
		t.Errorf("Tick() = %+v, want 1 failed, 0 processed", res)
	}

	// The row survived, so its bytes must too.
	if ok, _ := env.Archive.Exists(file.ID, oldID); !ok {
		t.Error("archived bytes removed although the version row remains")
	}
	if got := readVersion(t, env, file.ID, 1, alice.ID); got != "v1" {
		t.Errorf("version 1 = %q, want %q", got, "v1")
	}
}
