package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"dv-go/internal/dv"
)

// FileSystemArchive stores versions under a local directory:
//
//	<root>/
//	  <fileID>/
//	    <versionID>_<file name>   (one per archived version)
//
// When an Encryptor is set, files hold its ciphertext and Open needs the
// DecryptionContext installed with Unlock.
type FileSystemArchive struct {
	root string
	enc  dv.Encryptor

	mu  sync.RWMutex
	dec dv.DecryptionContext
}

var _ Archive = (*FileSystemArchive)(nil)

// NewFileSystemArchive creates an archive rooted at root. enc may be nil to
// store versions in plaintext.
func NewFileSystemArchive(root string, enc dv.Encryptor) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemArchive{root: root, enc: enc}, nil
}

func (a *FileSystemArchive) Unlock(dc dv.DecryptionContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dec = dc
}

func (a *FileSystemArchive) Encrypted() bool { return a.enc != nil }

// validID reports whether id can be used as a single path element.
func validID(id string) bool {
	return id != "" && id == filepath.Base(id) && id != "." && id != ".."
}

// versionPrefix is the file name prefix shared by every copy of a version.
// Version IDs never contain '_', so the prefix cannot match another version.
func versionPrefix(versionID string) string {
	return versionID + "_"
}

// fileDir returns the directory for fileID, rejecting IDs that are not a
// single path element.
func (a *FileSystemArchive) fileDir(fileID string) (string, error) {
	if !validID(fileID) {
		return "", fmt.Errorf("invalid file id: %q", fileID)
	}
	return filepath.Join(a.root, fileID), nil
}

// find returns the path holding versionID of fileID, or "" if none.
func (a *FileSystemArchive) find(fileID, versionID string) (string, error) {
	if !validID(versionID) || strings.Contains(versionID, "_") {
		return "", fmt.Errorf("invalid version id: %q", versionID)
	}
	dir, err := a.fileDir(fileID)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading archive directory: %w", err)
	}
	prefix := versionPrefix(versionID)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

func (a *FileSystemArchive) Save(r io.Reader, fileID, versionID, fileName string) (string, error) {
	previous, err := a.find(fileID, versionID)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(a.root, fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	destPath := filepath.Join(dir, versionPrefix(versionID)+filepath.Base(fileName))
	if err := a.writeFile(destPath, r); err != nil {
		return "", err
	}
	if previous != "" && previous != destPath {
		os.Remove(previous)
	}
	return destPath, nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func (a *FileSystemArchive) writeFile(destPath string, r io.Reader) error {
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

	if a.enc != nil {
		err = a.enc.Encrypt(r, tmpFile)
	} else {
		_, err = io.Copy(tmpFile, r)
	}
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}

func (a *FileSystemArchive) Open(fileID, versionID string) (io.ReadCloser, error) {
	p, err := a.find(fileID, versionID)
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, fmt.Errorf("%s/%s: %w", fileID, versionID, dv.ErrArchiveNotFound)
	}

	var dec dv.DecryptionContext
	if a.enc != nil {
		a.mu.RLock()
		dec = a.dec
		a.mu.RUnlock()
		if dec == nil {
			return nil, ErrLocked
		}
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	if dec == nil {
		return f, nil
	}

	pr, pw := io.Pipe()
	go func() {
		err := dec.Decrypt(f, pw)
		f.Close()
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (a *FileSystemArchive) Delete(fileID, versionID string) (bool, error) {
	p, err := a.find(fileID, versionID)
	if err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	// Drop the file's directory once its last version is gone.
	os.Remove(filepath.Dir(p))
	return true, nil
}

func (a *FileSystemArchive) Exists(fileID, versionID string) (bool, error) {
	p, err := a.find(fileID, versionID)
	if err != nil {
		return false, err
	}
	return p != "", nil
}

// ValidateSetup verifies that the archive root is an accessible directory.
func (a *FileSystemArchive) ValidateSetup() error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}
	return nil
}
