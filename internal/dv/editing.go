package dv

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// EditableExtensions lists the file types the remote provider can edit in
// place.
var EditableExtensions = []string{".docx", ".xlsx", ".pptx"}

// IsEditable reports whether files with extension ext can be edited online.
func IsEditable(ext string) bool {
	return slices.Contains(EditableExtensions, strings.ToLower(ext))
}

// OpenForEditing moves an active file into in_editing and returns the
// provider's edit link. The remote copy is then edited out of band; the
// reconciler or FinishEditing picks up the result.
func (s *DVService) OpenForEditing(ctx context.Context, fileID, userID string) (string, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if !s.access.CanEdit(ctx, fileID, userID) {
		return "", s.deny(ctx, userID, ActionFileEdit, EntityFile, file.ID, file.Name)
	}
	if !IsEditable(file.Extension) {
		return "", fmt.Errorf("%s: %w", file.Extension, ErrUnsupportedType)
	}
	if file.Status != StatusActive {
		return "", fmt.Errorf("%w: file is %s", ErrInvalidState, file.Status)
	}

	rctx, cancel := s.remoteContext(ctx)
	defer cancel()
	link, err := s.remote.EditLink(rctx, file.RemotePath)
	if err != nil {
		return "", fmt.Errorf("getting edit link: %w", err)
	}

	file.Status = StatusInEditing
	file.EditingBy = userID
	file.UpdatedAt = s.clock.Now()
	if err := s.database.UpdateFile(ctx, file); err != nil {
		return "", fmt.Errorf("updating file: %w", err)
	}

	s.logger.Info("file opened for editing", "file", file.ID, "user", userID)
	s.record(ctx, userID, ActionFileEdit, EntityFile, file.ID, file.Name, "opened for editing")
	return link, nil
}

// FinishEditing closes an edit session: the edited bytes become a new
// version and the file returns to active.
func (s *DVService) FinishEditing(ctx context.Context, fileID, userID, comment string) (*FileVersion, error) {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanEdit(ctx, fileID, userID) {
		return nil, s.deny(ctx, userID, ActionFileEdit, EntityFile, file.ID, file.Name)
	}
	if file.Status != StatusInEditing {
		return nil, fmt.Errorf("%w: file is %s", ErrInvalidState, file.Status)
	}

	version, err := s.finishEditing(ctx, file, userID, comment)
	if err != nil {
		return nil, err
	}
	s.record(ctx, userID, ActionFileEdit, EntityFile, file.ID, file.Name, fmt.Sprintf("editing finished as version %d", version.Version))
	return version, nil
}

// finishEditing versions the file and marks it active. No authorization.
func (s *DVService) finishEditing(ctx context.Context, file *FileItem, actorID, comment string) (*FileVersion, error) {
	version, err := s.createVersion(ctx, file, actorID, comment)
	if err != nil {
		return nil, err
	}

	file.Status = StatusActive
	file.EditingBy = ""
	file.UpdatedAt = s.clock.Now()
	if err := s.database.UpdateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("marking file active: %w", err)
	}
	return version, nil
}

// CancelEditing closes an edit session without recording a version.
func (s *DVService) CancelEditing(ctx context.Context, fileID, userID string) error {
	file, err := s.liveFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !s.access.CanEdit(ctx, fileID, userID) {
		return s.deny(ctx, userID, ActionFileEdit, EntityFile, file.ID, file.Name)
	}
	if file.Status != StatusInEditing {
		return fmt.Errorf("%w: file is %s", ErrInvalidState, file.Status)
	}

	file.Status = StatusActive
	file.EditingBy = ""
	file.UpdatedAt = s.clock.Now()
	if err := s.database.UpdateFile(ctx, file); err != nil {
		return fmt.Errorf("updating file: %w", err)
	}

	s.logger.Info("editing cancelled", "file", file.ID, "user", userID)
	s.record(ctx, userID, ActionFileEdit, EntityFile, file.ID, file.Name, "editing cancelled")
	return nil
}
