package dv

import "context"

// AuditAction names an audited operation.
type AuditAction string

const (
	ActionFileUpload      AuditAction = "file_upload"
	ActionFileDownload    AuditAction = "file_download"
	ActionFileEdit        AuditAction = "file_edit"
	ActionFileDelete      AuditAction = "file_delete"
	ActionFileRestore     AuditAction = "file_restore"
	ActionFileMove        AuditAction = "file_move"
	ActionFolderCreate    AuditAction = "folder_create"
	ActionFolderDelete    AuditAction = "folder_delete"
	ActionFolderMove      AuditAction = "folder_move"
	ActionVersionCreate   AuditAction = "version_create"
	ActionVersionRollback AuditAction = "version_rollback"
	ActionVersionDelete   AuditAction = "version_delete"
	ActionAccessChange    AuditAction = "access_change"
	ActionHistoryView     AuditAction = "history_view"
	ActionUserCreate      AuditAction = "user_create"
	ActionUserUpdate      AuditAction = "user_update"
	ActionGroupCreate     AuditAction = "group_create"
	ActionSystemError     AuditAction = "system_error"
)

// Entity type labels used in audit entries.
const (
	EntityFile        = "file"
	EntityFolder      = "folder"
	EntityFileVersion = "file_version"
	EntityUser        = "user"
	EntityGroup       = "group"
	EntitySystem      = "system"
)

// AuditSink records audit entries. Recording is fire-and-forget: a sink
// must never fail or block the operation that called it, so Record has no
// error return and implementations log their own failures.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry)
}

// NopAuditSink discards every entry.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEntry) {}
