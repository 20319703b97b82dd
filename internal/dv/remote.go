package dv

import (
	"context"
	"io"
	"strings"
	"time"
)

// RemoteProvider stores the current editable copy of each file. Paths follow
// the folder-derived convention parentRemotePath/fileName, so every writer
// agrees on where a file lives and the provider resolves concurrent writes
// as last write wins.
type RemoteProvider interface {
	// Upload writes size bytes from r to folderPath/fileName, overwriting any
	// existing object, and returns the remote path.
	Upload(ctx context.Context, r io.Reader, size int64, fileName, folderPath string) (string, error)

	// Download opens the object at remotePath. The caller must close it.
	// Returns ErrRemoteNotFound if the object does not exist.
	Download(ctx context.Context, remotePath string) (io.ReadCloser, error)

	// Delete removes the object. Returns false if there was nothing to delete.
	Delete(ctx context.Context, remotePath string) (bool, error)

	// Exists reports whether an object is stored at remotePath.
	Exists(ctx context.Context, remotePath string) (bool, error)

	// LastModified returns when the object was last written.
	// Returns ErrRemoteNotFound if the object does not exist.
	LastModified(ctx context.Context, remotePath string) (time.Time, error)

	// EditLink returns a URL for editing the object in place.
	EditLink(ctx context.Context, remotePath string) (string, error)

	// DownloadLink returns a URL for fetching the object.
	DownloadLink(ctx context.Context, remotePath string) (string, error)
}

// JoinRemotePath builds a folder-derived remote path.
func JoinRemotePath(folderPath, name string) string {
	if folderPath == "" {
		return name
	}
	return strings.TrimRight(folderPath, "/") + "/" + name
}
