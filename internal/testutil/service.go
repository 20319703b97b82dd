package testutil

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"dv-go/internal/archive"
	"dv-go/internal/audit"
	"dv-go/internal/database"
	"dv-go/internal/dv"
	"dv-go/internal/remote"
)

// Env is a DVService wired to in-memory backends, with handles on each
// backend so tests can inspect or tamper with them.
type Env struct {
	DB      *database.SQLiteDatabase
	Remote  *remote.MemoryRemote
	Archive *archive.MemoryArchive
	Audit   *audit.MemorySink
	Clock   *StubClock
	IDs     *StubIDGenerator
	Service *dv.DVService
}

// NewEnv builds an Env on a fresh database with the clock at FixedClock.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	clock := FixedClock()
	ids := NewStubIDGenerator()
	env := &Env{
		DB:      NewTestDatabase(t),
		Remote:  remote.NewMemoryRemote(clock),
		Archive: archive.NewMemoryArchive(),
		Audit:   audit.NewMemorySink(),
		Clock:   clock,
		IDs:     ids,
	}
	env.Service = dv.NewDVService(env.DB, env.Remote, env.Archive, env.Audit, dv.NewNopLogger(), clock, ids, dv.Options{})
	return env
}

// User creates an active user.
func (e *Env) User(t *testing.T, email string) *dv.User {
	t.Helper()
	u, err := e.Service.CreateUser(context.Background(), email, "", false)
	if err != nil {
		t.Fatalf("CreateUser(%s) error = %v", email, err)
	}
	return u
}

// Folder creates a folder owned by ownerID under parentID ("" for a root).
func (e *Env) Folder(t *testing.T, name, parentID, ownerID string) *dv.Folder {
	t.Helper()
	f, err := e.Service.CreateFolder(context.Background(), name, parentID, ownerID, "")
	if err != nil {
		t.Fatalf("CreateFolder(%s) error = %v", name, err)
	}
	return f
}

// Upload stores content as a new file in folderID on behalf of userID.
func (e *Env) Upload(t *testing.T, folderID, name, content, userID string) *dv.FileItem {
	t.Helper()
	f, err := e.Service.Upload(context.Background(), dv.UploadInput{
		Content:  bytes.NewReader([]byte(content)),
		Size:     int64(len(content)),
		Name:     name,
		FolderID: folderID,
	}, userID)
	if err != nil {
		t.Fatalf("Upload(%s) error = %v", name, err)
	}
	return f
}

// Grant gives userID level on target, granted by grantedBy, without expiry.
func (e *Env) Grant(t *testing.T, target dv.Target, userID string, level dv.AccessLevel, grantedBy string) {
	t.Helper()
	if err := e.Service.Access().SetAccess(context.Background(), target, userID, level, grantedBy, sql.NullTime{}); err != nil {
		t.Fatalf("SetAccess(%s, %s) error = %v", target, userID, err)
	}
}

// EditRemote overwrites the remote copy of a file, as an external editor
// would, and stamps it with the current clock time.
func (e *Env) EditRemote(t *testing.T, file *dv.FileItem, content string) {
	t.Helper()
	e.Remote.Put(file.RemotePath, []byte(content), e.Clock.Now())
}

// File reloads a file from the database.
func (e *Env) File(t *testing.T, fileID string) *dv.FileItem {
	t.Helper()
	f, err := e.DB.FindFileByID(context.Background(), fileID)
	if err != nil || f == nil {
		t.Fatalf("FindFileByID(%s) = %v, %v", fileID, f, err)
	}
	return f
}

// VersionID returns the row ID of version n of a file, which keys its
// archived bytes.
func (e *Env) VersionID(t *testing.T, fileID string, n int64) string {
	t.Helper()
	v, err := e.DB.FindVersion(context.Background(), fileID, n)
	if err != nil || v == nil {
		t.Fatalf("FindVersion(%s, %d) = %v, %v", fileID, n, v, err)
	}
	return v.ID
}

// ServiceWith builds a second DVService over db and archive that shares
// the Env's remote, audit sink, clock and IDs, as another process would.
func (e *Env) ServiceWith(db dv.Database, a dv.VersionArchive) *dv.DVService {
	return dv.NewDVService(db, e.Remote, a, e.Audit, dv.NewNopLogger(), e.Clock, e.IDs, dv.Options{})
}
