package dv_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"dv-go/internal/dv"
	"dv-go/internal/testutil"
)

func readVersion(t *testing.T, env *testutil.Env, fileID string, number int64, userID string) string {
	t.Helper()
	rc, _, err := env.Service.OpenVersion(context.Background(), fileID, number, userID)
	if err != nil {
		t.Fatalf("OpenVersion(%d) error = %v", number, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading version %d: %v", number, err)
	}
	return string(b)
}

func readRemote(t *testing.T, env *testutil.Env, remotePath string) string {
	t.Helper()
	rc, err := env.Remote.Download(context.Background(), remotePath)
	if err != nil {
		t.Fatalf("Download(%s) error = %v", remotePath, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading %s: %v", remotePath, err)
	}
	return string(b)
}

func TestCreateVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("upload records version one", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "quarter one", alice.ID)

		versions, err := env.Service.ListVersions(ctx, file.ID, alice.ID)
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if len(versions) != 1 {
			t.Fatalf("len(versions) = %d, want 1", len(versions))
		}
		v := versions[0]
		if v.Version != 1 || v.Comment != "Initial version" || !v.IsActive {
			t.Errorf("version = %+v, want active version 1 with initial comment", v)
		}
		wantHash, wantSize, err := dv.HashReader(strings.NewReader("quarter one"))
		if err != nil {
			t.Fatalf("HashReader() error = %v", err)
		}
		if v.Hash != wantHash || v.Size != wantSize {
			t.Errorf("hash, size = %s, %d, want %s, %d", v.Hash, v.Size, wantHash, wantSize)
		}
		if v.RemotePath != "Reports/q1.docx" {
			t.Errorf("RemotePath = %q, want %q", v.RemotePath, "Reports/q1.docx")
		}
	})

	t.Run("numbers increase by one and only the newest is active", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)

		for i, content := range []string{"second", "third"} {
			env.Clock.Advance(time.Minute)
			env.EditRemote(t, file, content)
			v, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, "")
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}
			if want := int64(i + 2); v.Version != want {
				t.Errorf("Version = %d, want %d", v.Version, want)
			}
		}

		versions, err := env.Service.ListVersions(ctx, file.ID, alice.ID)
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if len(versions) != 3 {
			t.Fatalf("len(versions) = %d, want 3", len(versions))
		}
		if versions[0].Version != 3 || versions[2].Version != 1 {
			t.Errorf("ListVersions() not newest first: %d..%d", versions[0].Version, versions[2].Version)
		}
		for _, v := range versions {
			if v.IsActive != (v.Version == 3) {
				t.Errorf("version %d IsActive = %v", v.Version, v.IsActive)
			}
		}

		if got := readVersion(t, env, file.ID, 1, alice.ID); got != "draft" {
			t.Errorf("version 1 = %q, want %q", got, "draft")
		}
		if got := readVersion(t, env, file.ID, 3, alice.ID); got != "third" {
			t.Errorf("version 3 = %q, want %q", got, "third")
		}
		if got := env.File(t, file.ID).Size; got != int64(len("third")) {
			t.Errorf("file size = %d, want %d", got, len("third"))
		}
	})

	t.Run("readers cannot create versions", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		bob := env.User(t, "bob@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)
		env.Grant(t, dv.FolderTarget(folder.ID), bob.ID, dv.AccessRead, alice.ID)

		_, err := env.Service.CreateVersion(ctx, file.ID, bob.ID, "")
		if !errors.Is(err, dv.ErrAccessDenied) {
			t.Fatalf("CreateVersion() error = %v, want ErrAccessDenied", err)
		}
		if env.Archive.Len() != 1 {
			t.Errorf("archive holds %d versions, want 1", env.Archive.Len())
		}
	})

	t.Run("missing remote copy leaves no version", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)

		if _, err := env.Remote.Delete(ctx, file.RemotePath); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		_, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, "")
		if !errors.Is(err, dv.ErrRemoteNotFound) {
			t.Fatalf("CreateVersion() error = %v, want ErrRemoteNotFound", err)
		}
		if env.Archive.Len() != 1 {
			t.Errorf("archive holds %d versions, want 1", env.Archive.Len())
		}
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("appends a new version with old bytes", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "original", alice.ID)

		env.Clock.Advance(time.Minute)
		env.EditRemote(t, file, "broken")
		if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, "oops"); err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}

		v, err := env.Service.Rollback(ctx, file.ID, 1, alice.ID, "")
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if v.Version != 3 {
			t.Errorf("Version = %d, want 3", v.Version)
		}
		if v.Comment != "Rollback to version 1." {
			t.Errorf("Comment = %q, want %q", v.Comment, "Rollback to version 1.")
		}
		if got := readRemote(t, env, file.RemotePath); got != "original" {
			t.Errorf("remote = %q, want %q", got, "original")
		}
		if got := readVersion(t, env, file.ID, 2, alice.ID); got != "broken" {
			t.Errorf("version 2 = %q, want it kept as %q", got, "broken")
		}
		if got := readVersion(t, env, file.ID, 3, alice.ID); got != "original" {
			t.Errorf("version 3 = %q, want %q", got, "original")
		}
		if len(env.Audit.Find(dv.ActionVersionRollback)) != 1 {
			t.Error("expected one version_rollback audit entry")
		}
	})

	t.Run("comment is appended", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "original", alice.ID)

		v, err := env.Service.Rollback(ctx, file.ID, 1, alice.ID, "  undo the merge ")
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if want := "Rollback to version 1. undo the merge"; v.Comment != want {
			t.Errorf("Comment = %q, want %q", v.Comment, want)
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "original", alice.ID)

		_, err := env.Service.Rollback(ctx, file.ID, 7, alice.ID, "")
		if !errors.Is(err, dv.ErrVersionNotFound) || !errors.Is(err, dv.ErrInvalidState) {
			t.Fatalf("Rollback() error = %v, want ErrVersionNotFound", err)
		}
	})

	t.Run("archived bytes missing", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "original", alice.ID)
		if _, err := env.Archive.Delete(file.ID, env.VersionID(t, file.ID, 1)); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		_, err := env.Service.Rollback(ctx, file.ID, 1, alice.ID, "")
		if !errors.Is(err, dv.ErrInvalidState) {
			t.Fatalf("Rollback() error = %v, want ErrInvalidState", err)
		}
	})
}

func TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("brings back the newest version", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "first", alice.ID)
		env.Clock.Advance(time.Minute)
		env.EditRemote(t, file, "second")
		if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, ""); err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}

		if err := env.Service.DeleteFile(ctx, file.ID, alice.ID); err != nil {
			t.Fatalf("DeleteFile() error = %v", err)
		}
		if ok, _ := env.Remote.Exists(ctx, file.RemotePath); ok {
			t.Fatal("remote copy survived DeleteFile")
		}

		restored, err := env.Service.Restore(ctx, file.ID, alice.ID)
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if restored.IsDeleted || restored.Status != dv.StatusActive {
			t.Errorf("restored = %+v, want live and active", restored)
		}
		if got := readRemote(t, env, restored.RemotePath); got != "second" {
			t.Errorf("remote = %q, want %q", got, "second")
		}
		if len(env.Audit.Find(dv.ActionFileRestore)) != 1 {
			t.Error("expected one file_restore audit entry")
		}
	})

	t.Run("live file", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "first", alice.ID)

		if _, err := env.Service.Restore(ctx, file.ID, alice.ID); !errors.Is(err, dv.ErrInvalidState) {
			t.Fatalf("Restore() error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("name taken in the meantime", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "first", alice.ID)
		if err := env.Service.DeleteFile(ctx, file.ID, alice.ID); err != nil {
			t.Fatalf("DeleteFile() error = %v", err)
		}
		env.Upload(t, folder.ID, "q1.docx", "replacement", alice.ID)

		if _, err := env.Service.Restore(ctx, file.ID, alice.ID); !errors.Is(err, dv.ErrNameConflict) {
			t.Fatalf("Restore() error = %v, want ErrNameConflict", err)
		}
	})

	t.Run("needs delete access", func(t *testing.T) {
		env := testutil.NewEnv(t)
		alice := env.User(t, "alice@example.com")
		bob := env.User(t, "bob@example.com")
		folder := env.Folder(t, "Reports", "", alice.ID)
		env.Grant(t, dv.FolderTarget(folder.ID), bob.ID, dv.AccessWrite, alice.ID)
		file := env.Upload(t, folder.ID, "q1.docx", "first", alice.ID)
		if err := env.Service.DeleteFile(ctx, file.ID, alice.ID); err != nil {
			t.Fatalf("DeleteFile() error = %v", err)
		}

		if _, err := env.Service.Restore(ctx, file.ID, bob.ID); !errors.Is(err, dv.ErrAccessDenied) {
			t.Fatalf("Restore() error = %v, want ErrAccessDenied", err)
		}
	})
}

func TestCheckIntegrity(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "intact", alice.ID)

	ok, err := env.Service.CheckIntegrity(ctx, file.ID)
	if err != nil || !ok {
		t.Fatalf("CheckIntegrity() = %v, %v, want true", ok, err)
	}

	env.Archive.Overwrite(file.ID, env.VersionID(t, file.ID, 1), []byte("tampered"))
	ok, err = env.Service.CheckIntegrity(ctx, file.ID)
	if err != nil {
		t.Fatalf("CheckIntegrity() error = %v", err)
	}
	if ok {
		t.Fatal("CheckIntegrity() = true after tampering")
	}
	entries := env.Audit.Find(dv.ActionSystemError)
	if len(entries) != 1 || !strings.Contains(entries[0].ErrorMessage, dv.ErrIntegrity.Error()) {
		t.Errorf("system_error entries = %+v, want one integrity violation", entries)
	}

	if _, err := env.Archive.Delete(file.ID, env.VersionID(t, file.ID, 1)); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, err := env.Service.CheckIntegrity(ctx, file.ID); err != nil || ok {
		t.Errorf("CheckIntegrity(missing bytes) = %v, %v, want false", ok, err)
	}
}

func TestFileStats(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "1234", alice.ID)
	env.Clock.Advance(time.Hour)
	env.EditRemote(t, file, "123456")
	if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, ""); err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}

	stats, err := env.Service.FileStats(ctx, file.ID, alice.ID)
	if err != nil {
		t.Fatalf("FileStats() error = %v", err)
	}
	if stats.TotalVersions != 2 || stats.TotalSize != 10 || stats.LastVersion != 2 {
		t.Errorf("FileStats() = %+v", stats)
	}
	if !stats.LastModified.Equal(env.Clock.Now()) {
		t.Errorf("LastModified = %v, want %v", stats.LastModified, env.Clock.Now())
	}
}

func TestCreateVersion_ConcurrentWritersGetDistinctNumbers(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("CreateVersion() error = %v", err)
	}

	versions, err := env.DB.ListVersions(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != writers+1 {
		t.Fatalf("len(versions) = %d, want %d", len(versions), writers+1)
	}
	for i, v := range versions {
		if v.Version != int64(i+1) {
			t.Errorf("versions[%d].Version = %d, want %d", i, v.Version, i+1)
		}
	}
}

// gatedArchive holds every Save until release is closed.
type gatedArchive struct {
	dv.VersionArchive
	entered chan struct{}
	release chan struct{}
}

func (a *gatedArchive) Save(r io.Reader, fileID, versionID, fileName string) (string, error) {
	a.entered <- struct{}{}
	<-a.release
	return a.VersionArchive.Save(r, fileID, versionID, fileName)
}

// staleMaxDatabase reports a stale latest version number the first time.
type staleMaxDatabase struct {
	dv.Database
	mu    sync.Mutex
	stale bool
}

func (d *staleMaxDatabase) MaxVersionNumber(ctx context.Context, fileID string) (int64, error) {
	n, err := d.Database.MaxVersionNumber(ctx, fileID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stale && n > 0 {
		d.stale = false
		return n - 1, err
	}
	return n, err
}

// failingCommitDatabase refuses to record any version.
type failingCommitDatabase struct {
	dv.Database
}

func (failingCommitDatabase) CommitVersion(context.Context, *dv.FileVersion) error {
	return errors.New("database is locked")
}

func TestCreateVersion_SharedStoreAcrossServices(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)

	gate := &gatedArchive{VersionArchive: env.Archive, entered: make(chan struct{}), release: make(chan struct{})}
	other := env.ServiceWith(env.DB, gate)

	// The other service downloads B-bytes and stalls before archiving them.
	env.EditRemote(t, file, "B-bytes")
	type result struct {
		v   *dv.FileVersion
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := other.CreateVersion(ctx, file.ID, alice.ID, "from B")
		done <- result{v, err}
	}()
	<-gate.entered

	env.EditRemote(t, file, "A-bytes")
	va, err := env.Service.CreateVersion(ctx, file.ID, alice.ID, "from A")
	if err != nil {
		t.Fatalf("CreateVersion(A) error = %v", err)
	}
	if va.Version != 2 {
		t.Fatalf("A version = %d, want 2", va.Version)
	}

	close(gate.release)
	rb := <-done
	if rb.err != nil {
		t.Fatalf("CreateVersion(B) error = %v", rb.err)
	}
	if rb.v.Version != 3 {
		t.Errorf("B version = %d, want 3", rb.v.Version)
	}

	if got := readVersion(t, env, file.ID, 2, alice.ID); got != "A-bytes" {
		t.Errorf("version 2 = %q, want %q", got, "A-bytes")
	}
	if got := readVersion(t, env, file.ID, 3, alice.ID); got != "B-bytes" {
		t.Errorf("version 3 = %q, want %q", got, "B-bytes")
	}
	if ok, err := env.Service.CheckIntegrity(ctx, file.ID); err != nil || !ok {
		t.Errorf("CheckIntegrity() = %v, %v, want true", ok, err)
	}
	if env.Archive.Len() != 3 {
		t.Errorf("archive holds %d versions, want 3", env.Archive.Len())
	}
}

func TestCreateVersion_RetriesTakenNumber(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)

	svc := env.ServiceWith(&staleMaxDatabase{Database: env.DB, stale: true}, env.Archive)
	env.EditRemote(t, file, "second")
	v, err := svc.CreateVersion(ctx, file.ID, alice.ID, "")
	if err != nil {
		t.Fatalf("CreateVersion() error = %v", err)
	}
	if v.Version != 2 {
		t.Errorf("Version = %d, want 2", v.Version)
	}
	if got := readVersion(t, env, file.ID, 1, alice.ID); got != "draft" {
		t.Errorf("version 1 = %q, want %q", got, "draft")
	}
	if got := readVersion(t, env, file.ID, 2, alice.ID); got != "second" {
		t.Errorf("version 2 = %q, want %q", got, "second")
	}
	if env.Archive.Len() != 2 {
		t.Errorf("archive holds %d versions, want 2", env.Archive.Len())
	}
}

func TestCreateVersion_FailedCommitLeavesNoBytes(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	alice := env.User(t, "alice@example.com")
	folder := env.Folder(t, "Reports", "", alice.ID)
	file := env.Upload(t, folder.ID, "q1.docx", "draft", alice.ID)

	svc := env.ServiceWith(failingCommitDatabase{Database: env.DB}, env.Archive)
	env.EditRemote(t, file, "lost")
	if _, err := svc.CreateVersion(ctx, file.ID, alice.ID, ""); err == nil {
		t.Fatal("CreateVersion() expected error")
	}
	if env.Archive.Len() != 1 {
		t.Errorf("archive holds %d versions, want 1", env.Archive.Len())
	}
	if got := readVersion(t, env, file.ID, 1, alice.ID); got != "draft" {
		t.Errorf("version 1 = %q, want %q", got, "draft")
	}
}
