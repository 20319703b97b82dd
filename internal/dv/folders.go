package dv

import (
	"context"
	"fmt"
	"strings"
)

// CreateFolder creates a folder under parentID, or a root folder when
// parentID is empty. Any active user may create root folders; elsewhere the
// user needs write access on the parent. The new folder starts with a copy
// of the parent's rules.
func (s *DVService) CreateFolder(ctx context.Context, name, parentID, userID, description string) (*Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid folder name: %q", name)
	}

	user, err := s.database.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, s.deny(ctx, userID, ActionFolderCreate, EntityFolder, parentID, name)
	}

	parentPath := ""
	if parentID != "" {
		parent, err := s.liveFolder(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !s.access.CanCreateIn(ctx, parentID, userID) {
			return nil, s.deny(ctx, userID, ActionFolderCreate, EntityFolder, parent.ID, parent.Name)
		}
		parentPath = parent.RemotePath
	}

	clash, err := s.database.FindFolderByName(ctx, parentID, name)
	if err != nil {
		return nil, fmt.Errorf("checking name: %w", err)
	}
	if clash != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNameConflict)
	}

	now := s.clock.Now()
	folder := &Folder{
		ID:          s.idgen.New(),
		Name:        name,
		ParentID:    parentID,
		OwnerID:     userID,
		RemotePath:  JoinRemotePath(parentPath, name),
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.database.CreateFolder(ctx, folder); err != nil {
		return nil, fmt.Errorf("creating folder: %w", err)
	}

	if parentID != "" {
		if err := s.access.InheritFrom(ctx, folder.ID, parentID); err != nil {
			return nil, fmt.Errorf("seeding folder rules: %w", err)
		}
	}

	s.logger.Info("folder created", "folder", folder.ID, "path", folder.RemotePath)
	s.record(ctx, userID, ActionFolderCreate, EntityFolder, folder.ID, folder.Name, fmt.Sprintf("created at %s", folder.RemotePath))
	return folder, nil
}

// MoveFolder reparents a folder. newParentID may be empty to make it a root.
// The remote paths of the whole subtree are rewritten in one transaction;
// after it commits each live file's remote copy is relocated. A file that
// cannot be relocated keeps its old path and is logged.
func (s *DVService) MoveFolder(ctx context.Context, folderID, newParentID, userID string) error {
	folder, err := s.liveFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if !s.access.CanEditFolder(ctx, folderID, userID) {
		return s.deny(ctx, userID, ActionFolderMove, EntityFolder, folder.ID, folder.Name)
	}

	parentPath := ""
	if newParentID != "" {
		parent, err := s.liveFolder(ctx, newParentID)
		if err != nil {
			return err
		}
		if !s.access.CanCreateIn(ctx, newParentID, userID) {
			return s.deny(ctx, userID, ActionFolderMove, EntityFolder, parent.ID, parent.Name)
		}
		parentPath = parent.RemotePath
	}

	all, err := s.database.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}
	tree := NewFolderTree(all)
	if newParentID != "" && tree.IsDescendant(newParentID, folderID) {
		return fmt.Errorf("moving %s under %s: %w", folderID, newParentID, ErrCycle)
	}
	if folder.ParentID == newParentID {
		return nil
	}

	clash, err := s.database.FindFolderByName(ctx, newParentID, folder.Name)
	if err != nil {
		return fmt.Errorf("checking name: %w", err)
	}
	if clash != nil {
		return fmt.Errorf("%s: %w", folder.Name, ErrNameConflict)
	}

	now := s.clock.Now()
	subtree := tree.Subtree(folderID)
	paths := make(map[string]string)
	for _, f := range subtree {
		if f.ID == folderID {
			f.ParentID = newParentID
			f.RemotePath = JoinRemotePath(parentPath, f.Name)
		} else {
			f.RemotePath = JoinRemotePath(paths[f.ParentID], f.Name)
		}
		paths[f.ID] = f.RemotePath
		f.UpdatedAt = now
	}
	if err := s.database.MoveFolderTree(ctx, subtree); err != nil {
		return fmt.Errorf("moving folder tree: %w", err)
	}

	for _, f := range subtree {
		if f.IsDeleted {
			continue
		}
		if err := s.relocateFiles(ctx, f); err != nil {
			return err
		}
	}

	s.logger.Info("folder moved", "folder", folderID, "path", paths[folderID])
	s.record(ctx, userID, ActionFolderMove, EntityFolder, folder.ID, folder.Name, fmt.Sprintf("moved to %s", paths[folderID]))
	return nil
}

// relocateFiles moves the remote copies of a folder's live files under the
// folder's current remote path.
func (s *DVService) relocateFiles(ctx context.Context, folder *Folder) error {
	files, err := s.database.ListFilesInFolder(ctx, folder.ID)
	if err != nil {
		return fmt.Errorf("listing files of %s: %w", folder.ID, err)
	}
	for _, file := range files {
		if JoinRemotePath(folder.RemotePath, file.Name) == file.RemotePath {
			continue
		}
		newPath, err := s.relocate(ctx, file, folder.RemotePath)
		if err != nil {
			s.logger.Warn("relocating file", "file", file.ID, "error", err)
			continue
		}
		file.RemotePath = newPath
		file.UpdatedAt = s.clock.Now()
		if err := s.database.UpdateFile(ctx, file); err != nil {
			return fmt.Errorf("updating file %s: %w", file.ID, err)
		}
	}
	return nil
}

// DeleteFolder soft-deletes a folder, its live subfolders and their files in
// one transaction.
func (s *DVService) DeleteFolder(ctx context.Context, folderID, userID string) error {
	folder, err := s.liveFolder(ctx, folderID)
	if err != nil {
		return err
	}
	if !s.access.CanDeleteFolder(ctx, folderID, userID) {
		return s.deny(ctx, userID, ActionFolderDelete, EntityFolder, folder.ID, folder.Name)
	}

	all, err := s.database.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}

	var ids []string
	for _, f := range NewFolderTree(all).Subtree(folderID) {
		if !f.IsDeleted {
			ids = append(ids, f.ID)
		}
	}
	files, err := s.database.SoftDeleteFolderTree(ctx, ids, s.clock.Now())
	if err != nil {
		return fmt.Errorf("deleting folder tree: %w", err)
	}

	s.logger.Info("folder deleted", "folder", folderID, "folders", len(ids), "files", files)
	s.record(ctx, userID, ActionFolderDelete, EntityFolder, folder.ID, folder.Name, fmt.Sprintf("%d folders deleted", len(ids)))
	return nil
}

// FolderListing is the readable content of one folder.
type FolderListing struct {
	Folder     *Folder
	Subfolders []*Folder
	Files      []*FileItem
}

// ListFolder returns the children of a folder that userID can read.
func (s *DVService) ListFolder(ctx context.Context, folderID, userID string) (*FolderListing, error) {
	folder, err := s.liveFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if !s.access.CanReadFolder(ctx, folderID, userID) {
		return nil, ErrAccessDenied
	}

	subfolders, err := s.database.ListSubfolders(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing subfolders: %w", err)
	}
	files, err := s.database.ListFilesInFolder(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	listing := &FolderListing{Folder: folder}
	for _, f := range subfolders {
		if s.access.CanReadFolder(ctx, f.ID, userID) {
			listing.Subfolders = append(listing.Subfolders, f)
		}
	}
	for _, f := range files {
		if s.access.CanRead(ctx, f.ID, userID) {
			listing.Files = append(listing.Files, f)
		}
	}
	return listing, nil
}

// ListRootFolders returns the root folders userID can read.
func (s *DVService) ListRootFolders(ctx context.Context, userID string) ([]*Folder, error) {
	roots, err := s.database.ListSubfolders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing root folders: %w", err)
	}
	var out []*Folder
	for _, f := range roots {
		if s.access.CanReadFolder(ctx, f.ID, userID) {
			out = append(out, f)
		}
	}
	return out, nil
}
