package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"dv-go/internal/dv"
)

// FileSystemRemote keeps the editable copies under a local directory, laid
// out by remote path:
//
//	<root>/<folder path>/<file name>
//
// The file's mtime is its last-modified time. Links are file:// URLs unless
// a base URL is configured, in which case they point at a document server
// that serves the same tree.
type FileSystemRemote struct {
	root    string
	baseURL string
}

// NewFileSystemRemote creates a filesystem remote rooted at root.
func NewFileSystemRemote(root, baseURL string) (*FileSystemRemote, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving remote root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create remote root: %w", err)
	}
	return &FileSystemRemote{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// localPath maps a remote path to a path under root, rejecting anything
// that would escape it.
func (f *FileSystemRemote) localPath(remotePath string) (string, error) {
	clean := path.Clean("/" + remotePath)
	if clean == "/" {
		return "", fmt.Errorf("invalid remote path: %q", remotePath)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

func (f *FileSystemRemote) Upload(ctx context.Context, r io.Reader, size int64, fileName, folderPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	remotePath := dv.JoinRemotePath(folderPath, fileName)
	dest, err := f.localPath(remotePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}
	if err := writeFileAtomic(dest, r, size); err != nil {
		return "", err
	}
	return remotePath, nil
}

func (f *FileSystemRemote) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := f.localPath(remotePath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (f *FileSystemRemote) Delete(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	src, err := f.localPath(remotePath)
	if err != nil {
		return false, err
	}
	err = os.Remove(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	return true, nil
}

func (f *FileSystemRemote) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := f.stat(ctx, remotePath)
	if errors.Is(err, dv.ErrRemoteNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (f *FileSystemRemote) LastModified(ctx context.Context, remotePath string) (time.Time, error) {
	info, err := f.stat(ctx, remotePath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC(), nil
}

func (f *FileSystemRemote) stat(ctx context.Context, remotePath string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := f.localPath(remotePath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a folder: %w", remotePath, dv.ErrRemoteNotFound)
	}
	return info, nil
}

func (f *FileSystemRemote) EditLink(ctx context.Context, remotePath string) (string, error) {
	return f.link(ctx, "edit", remotePath)
}

func (f *FileSystemRemote) DownloadLink(ctx context.Context, remotePath string) (string, error) {
	return f.link(ctx, "download", remotePath)
}

func (f *FileSystemRemote) link(ctx context.Context, kind, remotePath string) (string, error) {
	if _, err := f.stat(ctx, remotePath); err != nil {
		return "", err
	}
	if f.baseURL != "" {
		return f.baseURL + "/" + kind + "/" + escapePath(remotePath), nil
	}
	local, err := f.localPath(remotePath)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(local)}
	return u.String(), nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// writeFileAtomic writes r to destPath through a temp file in the same
// directory and a rename. size < 0 skips the length check.
func writeFileAtomic(destPath string, r io.Reader, size int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ dv.RemoteProvider = (*FileSystemRemote)(nil)
