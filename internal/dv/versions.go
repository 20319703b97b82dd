package dv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// CreateVersion snapshots the file's current remote bytes as a new active
// version. The caller needs write access.
func (s *DVService) CreateVersion(ctx context.Context, fileID, userID, comment string) (*FileVersion, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanEdit(ctx, fileID, userID) {
		return nil, s.deny(ctx, userID, ActionVersionCreate, EntityFile, file.ID, file.Name)
	}
	return s.createVersion(ctx, file, userID, comment)
}

// commitAttempts bounds how often createVersion retries a version number
// taken by a writer in another process.
const commitAttempts = 3

// createVersion is CreateVersion without authorization. The reconciler uses
// it directly as the system actor.
//
// Bytes go to the archive under the new row's ID first, then the database
// records the version in one transaction. The archived copy belongs to this
// call alone, so it is removed on any failure and no partial version
// survives. When another process takes the number first, the commit is
// retried with the next free one and the higher number wins.
// file.Size and file.UpdatedAt are refreshed in memory to match what was
// committed.
func (s *DVService) createVersion(ctx context.Context, file *FileItem, actorID, comment string) (*FileVersion, error) {
	unlock := s.fileLocks.Lock(file.ID)
	defer unlock()

	rctx, cancel := s.remoteContext(ctx)
	defer cancel()

	content, err := s.remote.Download(rctx, file.RemotePath)
	if err != nil {
		return nil, fmt.Errorf("downloading current content: %w", err)
	}
	defer content.Close()

	versionID := s.idgen.New()
	hr := newHashingReader(content)
	localPath, err := s.archive.Save(hr, file.ID, versionID, file.Name)
	if err != nil {
		return nil, fmt.Errorf("archiving version: %w", err)
	}

	now := s.clock.Now()
	version := &FileVersion{
		ID:         versionID,
		FileID:     file.ID,
		Size:       hr.n,
		Hash:       hr.Sum(),
		CreatedBy:  actorID,
		Comment:    comment,
		IsActive:   true,
		LocalPath:  localPath,
		RemotePath: file.RemotePath,
		CreatedAt:  now,
	}

	if err := s.commitVersion(ctx, version); err != nil {
		if _, delErr := s.archive.Delete(file.ID, versionID); delErr != nil {
			s.logger.Error("removing archived bytes of failed version", "file", file.ID, "version_id", versionID, "error", delErr)
		}
		return nil, err
	}

	file.Size = version.Size
	file.UpdatedAt = now

	s.logger.Info("version created", "file", file.ID, "version", version.Version, "size", version.Size, "by", actorID)
	s.record(ctx, actorID, ActionVersionCreate, EntityFile, file.ID, file.Name, fmt.Sprintf("version %d created", version.Version))
	return version, nil
}

// commitVersion numbers v after the newest committed version and records it.
func (s *DVService) commitVersion(ctx context.Context, v *FileVersion) error {
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		var current int64
		current, err = s.database.MaxVersionNumber(ctx, v.FileID)
		if err != nil {
			return fmt.Errorf("finding latest version: %w", err)
		}
		v.Version = current + 1

		err = s.database.CommitVersion(ctx, v)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("recording version %d: %w", v.Version, err)
		}
		s.logger.Warn("version number taken, retrying", "file", v.FileID, "version", v.Version, "attempt", attempt)
	}
	return fmt.Errorf("recording version %d: %w", v.Version, err)
}

// ListVersions returns the file's versions, newest first.
func (s *DVService) ListVersions(ctx context.Context, fileID, userID string) ([]*FileVersion, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanViewHistory(ctx, fileID, userID) {
		return nil, s.deny(ctx, userID, ActionHistoryView, EntityFile, file.ID, file.Name)
	}

	versions, err := s.database.ListVersions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}

	s.record(ctx, userID, ActionHistoryView, EntityFile, file.ID, file.Name, "version history viewed")
	return versions, nil
}

// OpenVersion returns the archived bytes of one version. The caller must
// close the reader.
func (s *DVService) OpenVersion(ctx context.Context, fileID string, number int64, userID string) (io.ReadCloser, *FileVersion, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if !s.access.CanRead(ctx, fileID, userID) {
		return nil, nil, s.deny(ctx, userID, ActionFileDownload, EntityFile, file.ID, file.Name)
	}

	version, err := s.database.FindVersion(ctx, fileID, number)
	if err != nil {
		return nil, nil, fmt.Errorf("finding version: %w", err)
	}
	if version == nil {
		return nil, nil, fmt.Errorf("version %d of %s: %w", number, fileID, ErrVersionNotFound)
	}

	rc, err := s.archive.Open(fileID, version.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archived version %d: %w", number, err)
	}

	s.record(ctx, userID, ActionFileDownload, EntityFile, file.ID, file.Name, fmt.Sprintf("version %d downloaded", number))
	return rc, version, nil
}

// Rollback makes the bytes of an older version current again by pushing
// them to the remote and recording them as a new version. History is only
// appended to.
func (s *DVService) Rollback(ctx context.Context, fileID string, target int64, userID, comment string) (*FileVersion, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanEdit(ctx, fileID, userID) {
		return nil, s.deny(ctx, userID, ActionVersionRollback, EntityFile, file.ID, file.Name)
	}

	old, err := s.database.FindVersion(ctx, fileID, target)
	if err != nil {
		return nil, fmt.Errorf("finding version: %w", err)
	}
	if old == nil {
		return nil, fmt.Errorf("version %d of %s: %w", target, fileID, ErrVersionNotFound)
	}

	remotePath, err := s.pushArchived(ctx, file, old)
	if err != nil {
		return nil, err
	}
	if remotePath != file.RemotePath {
		file.RemotePath = remotePath
		file.UpdatedAt = s.clock.Now()
		if err := s.database.UpdateFile(ctx, file); err != nil {
			return nil, fmt.Errorf("updating remote path: %w", err)
		}
	}

	msg := strings.TrimSpace(fmt.Sprintf("Rollback to version %d. %s", target, comment))
	version, err := s.createVersion(ctx, file, userID, msg)
	if err != nil {
		return nil, err
	}

	s.record(ctx, userID, ActionVersionRollback, EntityFile, file.ID, file.Name, fmt.Sprintf("rolled back to version %d as version %d", target, version.Version))
	return version, nil
}

// pushArchived uploads the archived bytes of v to the file's folder-derived
// remote path and returns that path.
func (s *DVService) pushArchived(ctx context.Context, file *FileItem, v *FileVersion) (string, error) {
	exists, err := s.archive.Exists(file.ID, v.ID)
	if err != nil {
		return "", fmt.Errorf("checking archived version %d: %w", v.Version, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: archived bytes of version %d are missing", ErrInvalidState, v.Version)
	}

	folder, err := s.database.FindFolderByID(ctx, file.FolderID)
	if err != nil {
		return "", fmt.Errorf("finding folder: %w", err)
	}
	if folder == nil {
		return "", fmt.Errorf("folder %s: %w", file.FolderID, ErrNotFound)
	}

	rc, err := s.archive.Open(file.ID, v.ID)
	if err != nil {
		return "", fmt.Errorf("opening archived version %d: %w", v.Version, err)
	}
	defer rc.Close()

	rctx, cancel := s.remoteContext(ctx)
	defer cancel()

	remotePath, err := s.remote.Upload(rctx, rc, v.Size, file.Name, folder.RemotePath)
	if err != nil {
		return "", fmt.Errorf("uploading version %d: %w", v.Version, err)
	}
	return remotePath, nil
}

// Restore undeletes a soft-deleted file from its newest surviving version.
func (s *DVService) Restore(ctx context.Context, fileID, userID string) (*FileItem, error) {
	file, err := s.database.FindFileByID(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("finding file: %w", err)
	}
	if file == nil {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	if !file.IsDeleted {
		return nil, fmt.Errorf("%w: file %s is not deleted", ErrInvalidState, fileID)
	}
	if s.access.ResolveDeleted(ctx, FileTarget(fileID), userID) < AccessDelete {
		return nil, s.deny(ctx, userID, ActionFileRestore, EntityFile, file.ID, file.Name)
	}

	if _, err := s.liveFolder(ctx, file.FolderID); err != nil {
		return nil, fmt.Errorf("%w: containing folder is gone", ErrInvalidState)
	}
	clash, err := s.database.FindFileByName(ctx, file.FolderID, file.Name)
	if err != nil {
		return nil, fmt.Errorf("checking name: %w", err)
	}
	if clash != nil {
		return nil, fmt.Errorf("%s: %w", file.Name, ErrNameConflict)
	}

	versions, err := s.database.ListVersions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: no versions to restore from", ErrInvalidState)
	}
	newest := versions[len(versions)-1]

	remotePath, err := s.pushArchived(ctx, file, newest)
	if err != nil {
		return nil, err
	}

	file.IsDeleted = false
	file.Status = StatusActive
	file.EditingBy = ""
	file.RemotePath = remotePath
	file.Size = newest.Size
	file.UpdatedAt = s.clock.Now()
	if err := s.database.UpdateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("updating file: %w", err)
	}

	s.logger.Info("file restored", "file", file.ID, "version", newest.Version)
	s.record(ctx, userID, ActionFileRestore, EntityFile, file.ID, file.Name, fmt.Sprintf("restored from version %d", newest.Version))
	return file, nil
}

// CheckIntegrity recomputes the hash of the newest version's archived bytes
// and compares it with the stored one. A file without versions passes.
// Missing bytes count as a mismatch.
func (s *DVService) CheckIntegrity(ctx context.Context, fileID string) (bool, error) {
	versions, err := s.database.ListVersions(ctx, fileID)
	if err != nil {
		return false, fmt.Errorf("listing versions: %w", err)
	}
	if len(versions) == 0 {
		return true, nil
	}
	newest := versions[len(versions)-1]

	rc, err := s.archive.Open(fileID, newest.ID)
	if errors.Is(err, ErrArchiveNotFound) {
		s.integrityFailure(ctx, newest, "archived bytes missing")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening archived version: %w", err)
	}
	defer rc.Close()

	sum, _, err := HashReader(rc)
	if err != nil {
		return false, err
	}
	if sum != newest.Hash {
		s.integrityFailure(ctx, newest, fmt.Sprintf("hash mismatch: stored %s, computed %s", newest.Hash, sum))
		return false, nil
	}
	return true, nil
}

func (s *DVService) integrityFailure(ctx context.Context, v *FileVersion, detail string) {
	s.logger.Error("integrity check failed", "file", v.FileID, "version", v.Version, "detail", detail)
	s.audit.Record(ctx, AuditEntry{
		Action:       ActionSystemError,
		EntityType:   EntityFileVersion,
		EntityID:     v.ID,
		Description:  fmt.Sprintf("integrity check of version %d of file %s", v.Version, v.FileID),
		ErrorMessage: fmt.Errorf("%w: %s", ErrIntegrity, detail).Error(),
	})
}

// FileStats summarizes a file's version history.
type FileStats struct {
	TotalVersions int
	TotalSize     int64
	LastVersion   int64
	LastModified  time.Time
}

// FileStats returns version totals for a file the user can read.
func (s *DVService) FileStats(ctx context.Context, fileID, userID string) (*FileStats, error) {
	if _, err := s.liveFile(ctx, fileID); err != nil {
		return nil, err
	}
	if !s.access.CanRead(ctx, fileID, userID) {
		return nil, ErrAccessDenied
	}

	versions, err := s.database.ListVersions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	stats := &FileStats{TotalVersions: len(versions)}
	for _, v := range versions {
		stats.TotalSize += v.Size
	}
	if len(versions) > 0 {
		last := versions[len(versions)-1]
		stats.LastVersion = last.Version
		stats.LastModified = last.CreatedAt
	}
	return stats, nil
}
