package archive

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"dv-go/internal/dv"
)

type memoryKey struct {
	fileID    string
	versionID string
}

// MemoryArchive is an in-memory Archive, useful for testing. It never
// encrypts. This implementation is safe for concurrent use.
type MemoryArchive struct {
	versions map[memoryKey][]byte
	mu       sync.RWMutex
}

var _ Archive = (*MemoryArchive)(nil)

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{versions: make(map[memoryKey][]byte)}
}

func (m *MemoryArchive) Unlock(dv.DecryptionContext) {}

func (m *MemoryArchive) Encrypted() bool { return false }

func (m *MemoryArchive) Save(r io.Reader, fileID, versionID, fileName string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[memoryKey{fileID, versionID}] = data
	return fmt.Sprintf("memory://%s/%s_%s", fileID, versionID, fileName), nil
}

func (m *MemoryArchive) Open(fileID, versionID string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.versions[memoryKey{fileID, versionID}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", fileID, versionID, dv.ErrArchiveNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryArchive) Delete(fileID, versionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey{fileID, versionID}
	if _, ok := m.versions[k]; !ok {
		return false, nil
	}
	delete(m.versions, k)
	return true, nil
}

func (m *MemoryArchive) Exists(fileID, versionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.versions[memoryKey{fileID, versionID}]
	return ok, nil
}

// Overwrite replaces stored bytes without going through Save, simulating
// on-disk corruption in tests.
func (m *MemoryArchive) Overwrite(fileID, versionID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[memoryKey{fileID, versionID}] = bytes.Clone(data)
}

// Len returns the number of stored versions.
func (m *MemoryArchive) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions)
}
