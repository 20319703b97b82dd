package dv

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AccessLevel is an ordered permission level. Higher levels imply lower ones.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessDelete
	AccessAdmin
)

var accessLevelNames = [...]string{"none", "read", "write", "delete", "admin"}

func (l AccessLevel) String() string {
	if l < AccessNone || l > AccessAdmin {
		return fmt.Sprintf("AccessLevel(%d)", int(l))
	}
	return accessLevelNames[l]
}

// Valid reports whether l is one of the defined levels.
func (l AccessLevel) Valid() bool {
	return l >= AccessNone && l <= AccessAdmin
}

// ParseAccessLevel parses a level name such as "read" or "admin".
func ParseAccessLevel(s string) (AccessLevel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range accessLevelNames {
		if n == name {
			return AccessLevel(i), nil
		}
	}
	return AccessNone, fmt.Errorf("unknown access level: %q", s)
}

// TargetKind identifies what an access rule or resolution applies to.
type TargetKind string

const (
	TargetFile   TargetKind = "file"
	TargetFolder TargetKind = "folder"
)

// Target names exactly one file or folder.
type Target struct {
	Kind TargetKind
	ID   string
}

func FileTarget(id string) Target   { return Target{Kind: TargetFile, ID: id} }
func FolderTarget(id string) Target { return Target{Kind: TargetFolder, ID: id} }

func (t Target) String() string { return string(t.Kind) + ":" + t.ID }

// SubjectKind identifies who an access rule grants to.
type SubjectKind string

const (
	SubjectUser  SubjectKind = "user"
	SubjectGroup SubjectKind = "group"
)

// Subject names exactly one user or group.
type Subject struct {
	Kind SubjectKind
	ID   string
}

func UserSubject(id string) Subject  { return Subject{Kind: SubjectUser, ID: id} }
func GroupSubject(id string) Subject { return Subject{Kind: SubjectGroup, ID: id} }

// FileStatus is the lifecycle state of a file.
type FileStatus string

const (
	StatusActive    FileStatus = "active"
	StatusInEditing FileStatus = "in_editing"
	StatusLocked    FileStatus = "locked"
	StatusArchived  FileStatus = "archived"
	StatusDeleted   FileStatus = "deleted"
)

type User struct {
	ID        string
	Email     string
	FullName  string
	IsActive  bool
	IsAdmin   bool
	CreatedAt time.Time
}

type Group struct {
	ID        string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Folder is a node in the folder tree. ParentID is empty for root folders.
type Folder struct {
	ID          string
	Name        string
	ParentID    string
	OwnerID     string
	RemotePath  string
	Description string
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsRoot reports whether the folder has no parent.
func (f *Folder) IsRoot() bool { return f.ParentID == "" }

// FileItem is a document living in exactly one folder.
// RemotePath is where the provider keeps the current editable copy.
type FileItem struct {
	ID          string
	Name        string
	FolderID    string
	OwnerID     string
	RemotePath  string
	Size        int64
	ContentType string
	Extension   string
	Status      FileStatus
	EditingBy   string
	Description string
	IsDeleted   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileVersion is an immutable byte snapshot of a file. Only IsActive changes
// after insert.
type FileVersion struct {
	ID         string
	FileID     string
	Version    int64
	Size       int64
	Hash       string
	CreatedBy  string
	Comment    string
	IsActive   bool
	LocalPath  string
	RemotePath string
	CreatedAt  time.Time
}

// AccessRule grants Level on Target to Subject. Rules are never removed;
// revoking flips IsActive.
type AccessRule struct {
	ID        string
	Target    Target
	Subject   Subject
	Level     AccessLevel
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt sql.NullTime
	IsActive  bool
}

// Expired reports whether the rule has an expiry at or before now.
func (r *AccessRule) Expired(now time.Time) bool {
	return r.ExpiresAt.Valid && !r.ExpiresAt.Time.After(now)
}

// Effective reports whether the rule currently grants anything.
func (r *AccessRule) Effective(now time.Time) bool {
	return r.IsActive && !r.Expired(now)
}

// AuditEntry is one row of the append-only audit trail.
// UserID is empty for actions taken by the system itself.
type AuditEntry struct {
	ID           string
	UserID       string
	Action       AuditAction
	EntityType   string
	EntityID     string
	EntityName   string
	Description  string
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

// AuditFilter narrows ListAuditEntries. Zero fields match everything.
type AuditFilter struct {
	UserID     string
	EntityType string
	EntityID   string
	Limit      int
}

// LoopRun records one tick of a background loop.
type LoopRun struct {
	ID         int64
	Loop       string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Processed  int64
	Failed     int64
}
