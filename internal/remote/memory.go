package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"dv-go/internal/dv"
)

type memoryObject struct {
	data     []byte
	modified time.Time
}

// MemoryRemote is an in-memory RemoteProvider, useful for testing.
// Modification times come from the supplied clock.
// This implementation is safe for concurrent use.
type MemoryRemote struct {
	clock   dv.Clock
	objects map[string]memoryObject
	mu      sync.RWMutex
}

// NewMemoryRemote creates an empty in-memory remote.
func NewMemoryRemote(clock dv.Clock) *MemoryRemote {
	return &MemoryRemote{
		clock:   clock,
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryRemote) Upload(ctx context.Context, r io.Reader, size int64, fileName, folderPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	remotePath := dv.JoinRemotePath(folderPath, fileName)
	m.Put(remotePath, data, m.clock.Now())
	return remotePath, nil
}

// Put stores data at remotePath as if written at modified. Tests use it to
// simulate edits made directly in the provider.
func (m *MemoryRemote) Put(remotePath string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[remotePath] = memoryObject{data: bytes.Clone(data), modified: modified}
}

func (m *MemoryRemote) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[remotePath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryRemote) Delete(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[remotePath]; !ok {
		return false, nil
	}
	delete(m.objects, remotePath)
	return true, nil
}

func (m *MemoryRemote) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[remotePath]
	return ok, nil
}

func (m *MemoryRemote) LastModified(ctx context.Context, remotePath string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[remotePath]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
	}
	return obj.modified, nil
}

func (m *MemoryRemote) EditLink(ctx context.Context, remotePath string) (string, error) {
	return m.link(ctx, "edit", remotePath)
}

func (m *MemoryRemote) DownloadLink(ctx context.Context, remotePath string) (string, error) {
	return m.link(ctx, "download", remotePath)
}

func (m *MemoryRemote) link(ctx context.Context, kind, remotePath string) (string, error) {
	ok, err := m.Exists(ctx, remotePath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", remotePath, dv.ErrRemoteNotFound)
	}
	return "memory://" + kind + "/" + remotePath, nil
}

// Paths returns every stored path in sorted order.
func (m *MemoryRemote) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var _ dv.RemoteProvider = (*MemoryRemote)(nil)
