// Package fs discovers local files for upload.
package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LocalFile is a regular file found for upload.
type LocalFile struct {
	AbsPath string
	// RelPath is relative to the upload root, using '/' separators. For a
	// single-file upload it is the file name.
	RelPath string
	Size    int64
	ModTime time.Time
}

// Dir returns the directory part of RelPath, or "" for files at the root.
func (f LocalFile) Dir() string {
	d := filepath.ToSlash(filepath.Dir(filepath.FromSlash(f.RelPath)))
	if d == "." {
		return ""
	}
	return d
}

// Scanner resolves local paths and lists the files to upload, honouring
// configured ignore patterns and a .dvignore at the upload root.
type Scanner struct {
	ignore []string
}

// NewScanner creates a Scanner with the configured ignore patterns.
func NewScanner(ignore []string) *Scanner {
	return &Scanner{ignore: ignore}
}

// Resolve returns the absolute path and info for rawPath. Only regular
// files and directories are accepted.
func (s *Scanner) Resolve(rawPath string) (string, fs.FileInfo, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return "", nil, fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return "", nil, fmt.Errorf("symlinks not supported: %s", absPath)
	case mode&os.ModeDevice != 0:
		return "", nil, fmt.Errorf("device files not supported: %s", absPath)
	case mode&os.ModeNamedPipe != 0:
		return "", nil, fmt.Errorf("named pipes not supported: %s", absPath)
	case mode&os.ModeSocket != 0:
		return "", nil, fmt.Errorf("sockets not supported: %s", absPath)
	}
	return absPath, info, nil
}

// Collect lists the files to upload from rawPath. A file yields itself; a
// directory yields its regular files, descending into subdirectories when
// recursive is true.
func (s *Scanner) Collect(rawPath string, recursive bool) ([]LocalFile, error) {
	root, info, err := s.Resolve(rawPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []LocalFile{{
			AbsPath: root,
			RelPath: info.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}}, nil
	}

	extra, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	matcher := NewIgnoreMatcher(append(append([]string{}, s.ignore...), extra...))

	var files []LocalFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == root {
				return nil
			}
			if !recursive || matcher.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(rel) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		files = append(files, LocalFile{
			AbsPath: p,
			RelPath: filepath.ToSlash(rel),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return files, nil
}

// Open opens a collected file for reading.
func (s *Scanner) Open(f LocalFile) (io.ReadCloser, error) {
	return os.Open(f.AbsPath)
}
