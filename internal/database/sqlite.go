package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"dv-go/internal/database/migrations"
	"dv-go/internal/dv"
)

// SQLiteDatabase implements dv.Database using SQLite.
//
// The pool holds a single connection: every ":memory:" connection is a
// separate empty database and PRAGMAs are per connection. Callers must
// therefore drain a result set before issuing the next query, and
// transactions only ever touch their own tx.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// SQLite default is OFF for backward compatibility
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// User operations

const userColumns = "id, email, full_name, is_active, is_admin, created_at"

func scanUser(row scanner) (*dv.User, error) {
	var u dv.User
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteDatabase) CreateUser(ctx context.Context, user *dv.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Email, user.FullName, user.IsActive, user.IsAdmin, user.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindUserByID(ctx context.Context, id string) (*dv.User, error) {
	return s.findUser(ctx, "id", id)
}

func (s *SQLiteDatabase) FindUserByEmail(ctx context.Context, email string) (*dv.User, error) {
	return s.findUser(ctx, "email", email)
}

func (s *SQLiteDatabase) findUser(ctx context.Context, column, value string) (*dv.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+column+" = ?", value)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding user by %s: %w", column, err)
	}
	return u, nil
}

func (s *SQLiteDatabase) ListUsers(ctx context.Context) ([]*dv.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []*dv.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

func (s *SQLiteDatabase) UpdateUser(ctx context.Context, user *dv.User) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET full_name = ?, is_active = ?, is_admin = ? WHERE id = ?",
		user.FullName, user.IsActive, user.IsAdmin, user.ID)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return nil
}

// Group operations

func (s *SQLiteDatabase) CreateGroup(ctx context.Context, group *dv.Group) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO user_groups (id, name, is_active, created_at) VALUES (?, ?, ?, ?)",
		group.ID, group.Name, group.IsActive, group.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating group: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindGroupByID(ctx context.Context, id string) (*dv.Group, error) {
	var g dv.Group
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, is_active, created_at FROM user_groups WHERE id = ?", id).
		Scan(&g.ID, &g.Name, &g.IsActive, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding group: %w", err)
	}
	return &g, nil
}

// Folder operations

const folderColumns = "id, name, parent_id, owner_id, remote_path, description, is_deleted, created_at, updated_at"

func scanFolder(row scanner) (*dv.Folder, error) {
	var f dv.Folder
	var parentID sql.NullString
	err := row.Scan(&f.ID, &f.Name, &parentID, &f.OwnerID, &f.RemotePath, &f.Description, &f.IsDeleted, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.ParentID = parentID.String
	return &f, nil
}

func (s *SQLiteDatabase) queryFolders(ctx context.Context, query string, args ...any) ([]*dv.Folder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []*dv.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (s *SQLiteDatabase) CreateFolder(ctx context.Context, folder *dv.Folder) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO folders ("+folderColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		folder.ID, folder.Name, nullString(folder.ParentID), folder.OwnerID, folder.RemotePath,
		folder.Description, folder.IsDeleted, folder.CreatedAt.UTC(), folder.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("creating folder %s: %w", folder.Name, dv.ErrNameConflict)
	}
	if err != nil {
		return fmt.Errorf("creating folder: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindFolderByID(ctx context.Context, id string) (*dv.Folder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx, "SELECT "+folderColumns+" FROM folders WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding folder: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) FindFolderByName(ctx context.Context, parentID, name string) (*dv.Folder, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE COALESCE(parent_id, '') = ? AND name = ? AND is_deleted = 0",
		parentID, name)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding folder by name: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) ListFolders(ctx context.Context) ([]*dv.Folder, error) {
	folders, err := s.queryFolders(ctx, "SELECT "+folderColumns+" FROM folders ORDER BY remote_path")
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

func (s *SQLiteDatabase) ListSubfolders(ctx context.Context, parentID string) ([]*dv.Folder, error) {
	folders, err := s.queryFolders(ctx,
		"SELECT "+folderColumns+" FROM folders WHERE COALESCE(parent_id, '') = ? AND is_deleted = 0 ORDER BY name",
		parentID)
	if err != nil {
		return nil, fmt.Errorf("listing subfolders: %w", err)
	}
	return folders, nil
}

func (s *SQLiteDatabase) UpdateFolder(ctx context.Context, folder *dv.Folder) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE folders SET name = ?, parent_id = ?, owner_id = ?, remote_path = ?, description = ?,
			is_deleted = ?, updated_at = ? WHERE id = ?`,
		folder.Name, nullString(folder.ParentID), folder.OwnerID, folder.RemotePath, folder.Description,
		folder.IsDeleted, folder.UpdatedAt.UTC(), folder.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("updating folder %s: %w", folder.Name, dv.ErrNameConflict)
	}
	if err != nil {
		return fmt.Errorf("updating folder: %w", err)
	}
	return nil
}

// MoveFolderTree persists ParentID, RemotePath and UpdatedAt of every given
// folder in one transaction.
func (s *SQLiteDatabase) MoveFolderTree(ctx context.Context, folders []*dv.Folder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range folders {
		_, err := tx.ExecContext(ctx,
			"UPDATE folders SET parent_id = ?, remote_path = ?, updated_at = ? WHERE id = ?",
			nullString(f.ParentID), f.RemotePath, f.UpdatedAt.UTC(), f.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("moving folder %s: %w", f.Name, dv.ErrNameConflict)
		}
		if err != nil {
			return fmt.Errorf("moving folder %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SoftDeleteFolderTree marks the folders and their live files deleted in one
// transaction and returns how many files were deleted.
func (s *SQLiteDatabase) SoftDeleteFolderTree(ctx context.Context, folderIDs []string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var files int64
	for _, id := range folderIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE files SET is_deleted = 1, status = ?, editing_by = '', updated_at = ?
			WHERE folder_id = ? AND is_deleted = 0`,
			string(dv.StatusDeleted), at.UTC(), id)
		if err != nil {
			return 0, fmt.Errorf("deleting files of %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("counting deleted files: %w", err)
		}
		files += n

		if _, err := tx.ExecContext(ctx,
			"UPDATE folders SET is_deleted = 1, updated_at = ? WHERE id = ?", at.UTC(), id); err != nil {
			return 0, fmt.Errorf("deleting folder %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return files, nil
}

// File operations

const fileColumns = "id, name, folder_id, owner_id, remote_path, size, content_type, extension, status, editing_by, description, is_deleted, created_at, updated_at"

func scanFile(row scanner) (*dv.FileItem, error) {
	var f dv.FileItem
	var status string
	err := row.Scan(&f.ID, &f.Name, &f.FolderID, &f.OwnerID, &f.RemotePath, &f.Size, &f.ContentType,
		&f.Extension, &status, &f.EditingBy, &f.Description, &f.IsDeleted, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Status = dv.FileStatus(status)
	return &f, nil
}

func (s *SQLiteDatabase) queryFiles(ctx context.Context, query string, args ...any) ([]*dv.FileItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*dv.FileItem
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteDatabase) CreateFile(ctx context.Context, file *dv.FileItem) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO files ("+fileColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		file.ID, file.Name, file.FolderID, file.OwnerID, file.RemotePath, file.Size, file.ContentType,
		file.Extension, string(file.Status), file.EditingBy, file.Description, file.IsDeleted,
		file.CreatedAt.UTC(), file.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("creating file %s: %w", file.Name, dv.ErrNameConflict)
	}
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindFileByID(ctx context.Context, id string) (*dv.FileItem, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) FindFileByName(ctx context.Context, folderID, name string) (*dv.FileItem, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE folder_id = ? AND name = ? AND is_deleted = 0",
		folderID, name)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding file by name: %w", err)
	}
	return f, nil
}

func (s *SQLiteDatabase) ListFilesInFolder(ctx context.Context, folderID string) ([]*dv.FileItem, error) {
	files, err := s.queryFiles(ctx,
		"SELECT "+fileColumns+" FROM files WHERE folder_id = ? AND is_deleted = 0 ORDER BY name", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing files in folder: %w", err)
	}
	return files, nil
}

func (s *SQLiteDatabase) ListFilesByStatus(ctx context.Context, status dv.FileStatus) ([]*dv.FileItem, error) {
	files, err := s.queryFiles(ctx,
		"SELECT "+fileColumns+" FROM files WHERE status = ? AND is_deleted = 0 ORDER BY updated_at", string(status))
	if err != nil {
		return nil, fmt.Errorf("listing files by status: %w", err)
	}
	return files, nil
}

func (s *SQLiteDatabase) ListAllFiles(ctx context.Context) ([]*dv.FileItem, error) {
	files, err := s.queryFiles(ctx, "SELECT "+fileColumns+" FROM files ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing all files: %w", err)
	}
	return files, nil
}

func (s *SQLiteDatabase) UpdateFile(ctx context.Context, file *dv.FileItem) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET name = ?, folder_id = ?, owner_id = ?, remote_path = ?, size = ?, content_type = ?,
			extension = ?, status = ?, editing_by = ?, description = ?, is_deleted = ?, updated_at = ?
		WHERE id = ?`,
		file.Name, file.FolderID, file.OwnerID, file.RemotePath, file.Size, file.ContentType,
		file.Extension, string(file.Status), file.EditingBy, file.Description, file.IsDeleted,
		file.UpdatedAt.UTC(), file.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("updating file %s: %w", file.Name, dv.ErrNameConflict)
	}
	if err != nil {
		return fmt.Errorf("updating file: %w", err)
	}
	return nil
}

// RemoveFile physically deletes a file row. It is only used to undo an
// upload whose first version could not be recorded.
func (s *SQLiteDatabase) RemoveFile(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id); err != nil {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// FileVersion operations

const versionColumns = "id, file_id, version, size, hash, created_by, comment, is_active, local_path, remote_path, created_at"

func scanVersion(row scanner) (*dv.FileVersion, error) {
	var v dv.FileVersion
	err := row.Scan(&v.ID, &v.FileID, &v.Version, &v.Size, &v.Hash, &v.CreatedBy, &v.Comment,
		&v.IsActive, &v.LocalPath, &v.RemotePath, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteDatabase) ListVersions(ctx context.Context, fileID string) ([]*dv.FileVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions WHERE file_id = ? ORDER BY version", fileID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	defer rows.Close()

	var versions []*dv.FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return versions, nil
}

func (s *SQLiteDatabase) FindVersion(ctx context.Context, fileID string, version int64) (*dv.FileVersion, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+versionColumns+" FROM file_versions WHERE file_id = ? AND version = ?", fileID, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding version: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) MaxVersionNumber(ctx context.Context, fileID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM file_versions WHERE file_id = ?", fileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("getting max version: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) CommitVersion(ctx context.Context, v *dv.FileVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE file_versions SET is_active = 0 WHERE file_id = ? AND is_active = 1", v.FileID); err != nil {
		return fmt.Errorf("deactivating versions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO file_versions ("+versionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)",
		v.ID, v.FileID, v.Version, v.Size, v.Hash, v.CreatedBy, v.Comment, v.LocalPath, v.RemotePath, v.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting version %d: %w", v.Version, dv.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE files SET size = ?, updated_at = ? WHERE id = ?", v.Size, v.CreatedAt.UTC(), v.FileID); err != nil {
		return fmt.Errorf("updating file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	v.IsActive = true
	return nil
}

func (s *SQLiteDatabase) DeleteVersion(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM file_versions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting version: %w", err)
	}
	return nil
}

// AccessRule operations

const ruleColumns = "id, file_id, folder_id, user_id, group_id, level, created_by, created_at, expires_at, is_active"

func targetColumn(t dv.Target) (string, error) {
	switch t.Kind {
	case dv.TargetFile:
		return "file_id", nil
	case dv.TargetFolder:
		return "folder_id", nil
	}
	return "", fmt.Errorf("unknown target kind: %q", t.Kind)
}

func subjectColumn(sub dv.Subject) (string, error) {
	switch sub.Kind {
	case dv.SubjectUser:
		return "user_id", nil
	case dv.SubjectGroup:
		return "group_id", nil
	}
	return "", fmt.Errorf("unknown subject kind: %q", sub.Kind)
}

func scanRule(row scanner) (*dv.AccessRule, error) {
	var r dv.AccessRule
	var fileID, folderID, userID, groupID sql.NullString
	var level int
	err := row.Scan(&r.ID, &fileID, &folderID, &userID, &groupID, &level, &r.CreatedBy, &r.CreatedAt, &r.ExpiresAt, &r.IsActive)
	if err != nil {
		return nil, err
	}
	r.Level = dv.AccessLevel(level)

	if fileID.Valid {
		r.Target = dv.FileTarget(fileID.String)
	} else {
		r.Target = dv.FolderTarget(folderID.String)
	}
	if userID.Valid {
		r.Subject = dv.UserSubject(userID.String)
	} else {
		r.Subject = dv.GroupSubject(groupID.String)
	}
	return &r, nil
}

func (s *SQLiteDatabase) queryRules(ctx context.Context, query string, args ...any) ([]*dv.AccessRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*dv.AccessRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteDatabase) ListActiveRules(ctx context.Context, target dv.Target) ([]*dv.AccessRule, error) {
	col, err := targetColumn(target)
	if err != nil {
		return nil, err
	}
	rules, err := s.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM access_rules WHERE "+col+" = ? AND is_active = 1 ORDER BY created_at, id",
		target.ID)
	if err != nil {
		return nil, fmt.Errorf("listing active rules: %w", err)
	}
	return rules, nil
}

func (s *SQLiteDatabase) ListRulesForSubject(ctx context.Context, target dv.Target, subject dv.Subject) ([]*dv.AccessRule, error) {
	tcol, err := targetColumn(target)
	if err != nil {
		return nil, err
	}
	scol, err := subjectColumn(subject)
	if err != nil {
		return nil, err
	}
	rules, err := s.queryRules(ctx,
		"SELECT "+ruleColumns+" FROM access_rules WHERE "+tcol+" = ? AND "+scol+" = ? ORDER BY created_at, id",
		target.ID, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("listing rules for subject: %w", err)
	}
	return rules, nil
}

func insertRule(ctx context.Context, tx *sql.Tx, r *dv.AccessRule) error {
	var fileID, folderID, userID, groupID sql.NullString
	switch r.Target.Kind {
	case dv.TargetFile:
		fileID = nullString(r.Target.ID)
	case dv.TargetFolder:
		folderID = nullString(r.Target.ID)
	default:
		return fmt.Errorf("unknown target kind: %q", r.Target.Kind)
	}
	switch r.Subject.Kind {
	case dv.SubjectUser:
		userID = nullString(r.Subject.ID)
	case dv.SubjectGroup:
		groupID = nullString(r.Subject.ID)
	default:
		return fmt.Errorf("unknown subject kind: %q", r.Subject.Kind)
	}

	var expiresAt sql.NullTime
	if r.ExpiresAt.Valid {
		expiresAt = sql.NullTime{Time: r.ExpiresAt.Time.UTC(), Valid: true}
	}

	_, err := tx.ExecContext(ctx,
		"INSERT INTO access_rules ("+ruleColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, fileID, folderID, userID, groupID, int(r.Level), r.CreatedBy, r.CreatedAt.UTC(), expiresAt, r.IsActive)
	if err != nil {
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ReplaceAccessRule(ctx context.Context, target dv.Target, subject dv.Subject, rule *dv.AccessRule) error {
	tcol, err := targetColumn(target)
	if err != nil {
		return err
	}
	scol, err := subjectColumn(subject)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE access_rules SET is_active = 0 WHERE "+tcol+" = ? AND "+scol+" = ? AND is_active = 1",
		target.ID, subject.ID); err != nil {
		return fmt.Errorf("deactivating rules: %w", err)
	}

	if rule != nil {
		if err := insertRule(ctx, tx, rule); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CreateAccessRules(ctx context.Context, rules []*dv.AccessRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rules {
		if err := insertRule(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) DeactivateRulesForSubject(ctx context.Context, subject dv.Subject) (int64, error) {
	col, err := subjectColumn(subject)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE access_rules SET is_active = 0 WHERE "+col+" = ? AND is_active = 1", subject.ID)
	if err != nil {
		return 0, fmt.Errorf("deactivating rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deactivated rules: %w", err)
	}
	return n, nil
}

// Audit operations

const auditColumns = "id, user_id, action, entity_type, entity_id, entity_name, description, success, error_message, created_at"

func (s *SQLiteDatabase) CreateAuditEntry(ctx context.Context, e *dv.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_entries ("+auditColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.UserID, string(e.Action), e.EntityType, e.EntityID, e.EntityName, e.Description,
		e.Success, e.ErrorMessage, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating audit entry: %w", err)
	}
	return nil
}

// DeleteAuditEntriesBefore removes entries created before cutoff and
// returns how many were removed.
func (s *SQLiteDatabase) DeleteAuditEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted audit entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) ListAuditEntries(ctx context.Context, filter dv.AuditFilter) ([]*dv.AuditEntry, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := "SELECT " + auditColumns + " FROM audit_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*dv.AuditEntry
	for rows.Next() {
		var e dv.AuditEntry
		var action string
		if err := rows.Scan(&e.ID, &e.UserID, &action, &e.EntityType, &e.EntityID, &e.EntityName,
			&e.Description, &e.Success, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = dv.AuditAction(action)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

// Loop run operations

func (s *SQLiteDatabase) CreateLoopRun(ctx context.Context, loop string, startedAt time.Time) (*dv.LoopRun, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO loop_runs (loop, started_at, status) VALUES (?, ?, ?)",
		loop, startedAt.UTC(), dv.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("creating loop run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading loop run id: %w", err)
	}
	return &dv.LoopRun{ID: id, Loop: loop, StartedAt: startedAt, Status: dv.RunRunning}, nil
}

func (s *SQLiteDatabase) FinishLoopRun(ctx context.Context, run *dv.LoopRun) error {
	var finishedAt sql.NullTime
	if run.FinishedAt.Valid {
		finishedAt = sql.NullTime{Time: run.FinishedAt.Time.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE loop_runs SET finished_at = ?, status = ?, processed = ?, failed = ? WHERE id = ?",
		finishedAt, run.Status, run.Processed, run.Failed, run.ID)
	if err != nil {
		return fmt.Errorf("finishing loop run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListLoopRuns(ctx context.Context, limit int) ([]*dv.LoopRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, loop, started_at, finished_at, status, processed, failed FROM loop_runs ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing loop runs: %w", err)
	}
	defer rows.Close()

	var runs []*dv.LoopRun
	for rows.Next() {
		var r dv.LoopRun
		if err := rows.Scan(&r.ID, &r.Loop, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Processed, &r.Failed); err != nil {
			return nil, fmt.Errorf("scanning loop run: %w", err)
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing loop runs: %w", err)
	}
	return runs, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Migrate applies pending migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements dv.Database interface
var _ dv.Database = (*SQLiteDatabase)(nil)
