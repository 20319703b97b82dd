package dv

import (
	"context"
	"time"
)

// Database is the entity store. Find* methods return (nil, nil) when the
// entity does not exist. Methods that touch more than one row run in a single
// transaction.
type Database interface {
	// User operations

	CreateUser(ctx context.Context, user *User) error
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	// UpdateUser persists IsActive, IsAdmin and FullName.
	UpdateUser(ctx context.Context, user *User) error

	// Group operations

	CreateGroup(ctx context.Context, group *Group) error
	FindGroupByID(ctx context.Context, id string) (*Group, error)

	// Folder operations

	CreateFolder(ctx context.Context, folder *Folder) error
	// FindFolderByID returns the folder even if it is soft-deleted.
	FindFolderByID(ctx context.Context, id string) (*Folder, error)
	// FindFolderByName looks up a live folder by name under parentID
	// ("" for root).
	FindFolderByName(ctx context.Context, parentID, name string) (*Folder, error)
	// ListFolders returns every folder, deleted ones included.
	ListFolders(ctx context.Context) ([]*Folder, error)
	// ListSubfolders returns the live children of parentID.
	ListSubfolders(ctx context.Context, parentID string) ([]*Folder, error)
	UpdateFolder(ctx context.Context, folder *Folder) error
	// MoveFolderTree persists ParentID, RemotePath and UpdatedAt of every
	// given folder in one transaction.
	MoveFolderTree(ctx context.Context, folders []*Folder) error
	// SoftDeleteFolderTree marks the folders and their live files deleted in
	// one transaction and returns how many files were deleted.
	SoftDeleteFolderTree(ctx context.Context, folderIDs []string, at time.Time) (int64, error)

	// File operations

	CreateFile(ctx context.Context, file *FileItem) error
	// FindFileByID returns the file even if it is soft-deleted.
	FindFileByID(ctx context.Context, id string) (*FileItem, error)
	// FindFileByName looks up a live file by name inside folderID.
	FindFileByName(ctx context.Context, folderID, name string) (*FileItem, error)
	// ListFilesInFolder returns the live files of a folder.
	ListFilesInFolder(ctx context.Context, folderID string) ([]*FileItem, error)
	// ListFilesByStatus returns live files with the given status.
	ListFilesByStatus(ctx context.Context, status FileStatus) ([]*FileItem, error)
	// ListAllFiles returns every file, deleted ones included.
	ListAllFiles(ctx context.Context) ([]*FileItem, error)
	UpdateFile(ctx context.Context, file *FileItem) error
	// RemoveFile physically deletes a file row that never got a version.
	RemoveFile(ctx context.Context, id string) error

	// FileVersion operations

	// ListVersions returns all versions of a file ordered by version number.
	ListVersions(ctx context.Context, fileID string) ([]*FileVersion, error)
	FindVersion(ctx context.Context, fileID string, version int64) (*FileVersion, error)
	// MaxVersionNumber returns 0 when the file has no versions.
	MaxVersionNumber(ctx context.Context, fileID string) (int64, error)
	// CommitVersion atomically deactivates the file's active versions,
	// inserts version as the active one and bumps the file's UpdatedAt and
	// Size. Returns ErrVersionConflict if the number is already taken.
	CommitVersion(ctx context.Context, version *FileVersion) error
	// DeleteVersion physically removes a version row.
	DeleteVersion(ctx context.Context, id string) error

	// AccessRule operations

	// ListActiveRules returns the active rules on target, expired ones
	// included (expiry is evaluated by the caller).
	ListActiveRules(ctx context.Context, target Target) ([]*AccessRule, error)
	// ListRulesForSubject returns the full rule history of subject on target.
	ListRulesForSubject(ctx context.Context, target Target, subject Subject) ([]*AccessRule, error)
	// ReplaceAccessRule deactivates every active rule of subject on target
	// and inserts rule, if non-nil, in the same transaction.
	ReplaceAccessRule(ctx context.Context, target Target, subject Subject, rule *AccessRule) error
	CreateAccessRules(ctx context.Context, rules []*AccessRule) error
	// DeactivateRulesForSubject flips every active rule naming subject and
	// returns how many changed.
	DeactivateRulesForSubject(ctx context.Context, subject Subject) (int64, error)

	// Audit operations

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	// ListAuditEntries returns matching entries, newest first.
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	// DeleteAuditEntriesBefore removes entries created before cutoff.
	DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Loop run tracking

	CreateLoopRun(ctx context.Context, loop string, startedAt time.Time) (*LoopRun, error)
	FinishLoopRun(ctx context.Context, run *LoopRun) error
	ListLoopRuns(ctx context.Context, limit int) ([]*LoopRun, error)

	// Close closes the database connection.
	Close() error
}
