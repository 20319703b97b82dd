package dv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how much of an upload is inspected to detect its content type.
const sniffLen = 3072

// UploadInput describes a new document.
type UploadInput struct {
	Content  io.Reader
	Size     int64
	Name     string
	FolderID string
	Comment  string
}

// Upload stores a new file in a folder and records its first version. If
// the name is taken, a numeric suffix is added ("report_1.docx").
func (s *DVService) Upload(ctx context.Context, in UploadInput, userID string) (*FileItem, error) {
	name := strings.TrimSpace(filepath.Base(in.Name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("invalid file name: %q", in.Name)
	}

	folder, err := s.liveFolder(ctx, in.FolderID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanCreateIn(ctx, folder.ID, userID) {
		return nil, s.deny(ctx, userID, ActionFileUpload, EntityFolder, folder.ID, folder.Name)
	}

	name, err = s.uniqueFileName(ctx, folder.ID, name)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(in.Content, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	contentType := mimetype.Detect(head).String()

	rctx, cancel := s.remoteContext(ctx)
	defer cancel()
	remotePath, err := s.remote.Upload(rctx, br, in.Size, name, folder.RemotePath)
	if err != nil {
		return nil, fmt.Errorf("uploading to remote: %w", err)
	}

	now := s.clock.Now()
	file := &FileItem{
		ID:          s.idgen.New(),
		Name:        name,
		FolderID:    folder.ID,
		OwnerID:     userID,
		RemotePath:  remotePath,
		Size:        in.Size,
		ContentType: contentType,
		Extension:   strings.ToLower(filepath.Ext(name)),
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.database.CreateFile(ctx, file); err != nil {
		s.removeRemote(ctx, remotePath)
		return nil, fmt.Errorf("creating file: %w", err)
	}

	comment := in.Comment
	if comment == "" {
		comment = "Initial version"
	}
	if _, err := s.createVersion(ctx, file, userID, comment); err != nil {
		// A file without versions can never be rolled back or restored.
		if rmErr := s.database.RemoveFile(ctx, file.ID); rmErr != nil {
			s.logger.Error("removing file without versions", "file", file.ID, "error", rmErr)
		}
		s.removeRemote(ctx, remotePath)
		return nil, fmt.Errorf("creating first version: %w", err)
	}

	s.logger.Info("file uploaded", "file", file.ID, "name", name, "folder", folder.ID, "size", file.Size)
	s.record(ctx, userID, ActionFileUpload, EntityFile, file.ID, file.Name, fmt.Sprintf("uploaded to %s", folder.RemotePath))
	return file, nil
}

// uniqueFileName returns name, or name with the lowest free "_N" suffix.
func (s *DVService) uniqueFileName(ctx context.Context, folderID, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for i := 1; ; i++ {
		existing, err := s.database.FindFileByName(ctx, folderID, candidate)
		if err != nil {
			return "", fmt.Errorf("checking name: %w", err)
		}
		if existing == nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

// removeRemote deletes a remote object, logging instead of failing.
func (s *DVService) removeRemote(ctx context.Context, remotePath string) {
	rctx, cancel := s.remoteContext(ctx)
	defer cancel()
	if _, err := s.remote.Delete(rctx, remotePath); err != nil {
		s.logger.Warn("removing remote copy", "path", remotePath, "error", err)
	}
}

// DeleteFile soft-deletes a file. The remote copy is removed best effort;
// archived versions stay so the file can be restored.
func (s *DVService) DeleteFile(ctx context.Context, fileID, userID string) error {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !s.access.CanDelete(ctx, fileID, userID) {
		return s.deny(ctx, userID, ActionFileDelete, EntityFile, file.ID, file.Name)
	}

	s.removeRemote(ctx, file.RemotePath)

	file.IsDeleted = true
	file.Status = StatusDeleted
	file.EditingBy = ""
	file.UpdatedAt = s.clock.Now()
	if err := s.database.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("updating file: %w", err)
	}

	s.logger.Info("file deleted", "file", file.ID, "user", userID)
	s.record(ctx, userID, ActionFileDelete, EntityFile, file.ID, file.Name, "file deleted")
	return nil
}

// MoveFile relocates a file to another folder. Rules on the old folder stop
// applying; nothing is copied.
func (s *DVService) MoveFile(ctx context.Context, fileID, targetFolderID, userID string) (*FileItem, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	target, err := s.liveFolder(ctx, targetFolderID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanEdit(ctx, fileID, userID) {
		return nil, s.deny(ctx, userID, ActionFileMove, EntityFile, file.ID, file.Name)
	}
	if !s.access.CanCreateIn(ctx, target.ID, userID) {
		return nil, s.deny(ctx, userID, ActionFileMove, EntityFolder, target.ID, target.Name)
	}
	if file.FolderID == target.ID {
		return file, nil
	}
	if file.Status == StatusInEditing {
		return nil, fmt.Errorf("%w: file is being edited", ErrInvalidState)
	}

	clash, err := s.database.FindFileByName(ctx, target.ID, file.Name)
	if err != nil {
		return nil, fmt.Errorf("checking name: %w", err)
	}
	if clash != nil {
		return nil, fmt.Errorf("%s: %w", file.Name, ErrNameConflict)
	}

	remotePath, err := s.relocate(ctx, file, target.RemotePath)
	if err != nil {
		return nil, err
	}

	file.FolderID = target.ID
	file.RemotePath = remotePath
	file.UpdatedAt = s.clock.Now()
	if err := s.database.UpdateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("updating file: %w", err)
	}

	s.logger.Info("file moved", "file", file.ID, "folder", target.ID)
	s.record(ctx, userID, ActionFileMove, EntityFile, file.ID, file.Name, fmt.Sprintf("moved to %s", target.RemotePath))
	return file, nil
}

// relocate copies the file's remote object under folderPath, removes the old
// one and returns the new path.
func (s *DVService) relocate(ctx context.Context, file *FileItem, folderPath string) (string, error) {
	rctx, cancel := s.remoteContext(ctx)
	defer cancel()

	rc, err := s.remote.Download(rctx, file.RemotePath)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", file.RemotePath, err)
	}
	defer rc.Close()

	newPath, err := s.remote.Upload(rctx, rc, file.Size, file.Name, folderPath)
	if err != nil {
		return "", fmt.Errorf("uploading to %s: %w", folderPath, err)
	}
	if newPath != file.RemotePath {
		if _, err := s.remote.Delete(rctx, file.RemotePath); err != nil {
			s.logger.Warn("removing old remote copy", "path", file.RemotePath, "error", err)
		}
	}
	return newPath, nil
}

// DownloadLink returns a provider URL for the file's current bytes.
func (s *DVService) DownloadLink(ctx context.Context, fileID, userID string) (string, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if !s.access.CanRead(ctx, fileID, userID) {
		return "", s.deny(ctx, userID, ActionFileDownload, EntityFile, file.ID, file.Name)
	}

	rctx, cancel := s.remoteContext(ctx)
	defer cancel()
	link, err := s.remote.DownloadLink(rctx, file.RemotePath)
	if err != nil {
		return "", fmt.Errorf("getting download link: %w", err)
	}

	s.record(ctx, userID, ActionFileDownload, EntityFile, file.ID, file.Name, "download link issued")
	return link, nil
}

// GetFile returns a file the user can read.
func (s *DVService) GetFile(ctx context.Context, fileID, userID string) (*FileItem, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanRead(ctx, fileID, userID) {
		return nil, ErrAccessDenied
	}
	return file, nil
}
