package dv

import "io"

// VersionArchive is the durable local copy of every version's bytes, keyed
// by file and version ID. Keying by the row ID rather than the version
// number means two writers racing for the same number never share a slot.
type VersionArchive interface {
	// Save stores the bytes read from r under versionID of fileID and returns
	// the local path they were written to. An existing copy is replaced.
	Save(r io.Reader, fileID, versionID, fileName string) (string, error)

	// Open returns the plaintext bytes of a version. The caller must close it.
	// Returns ErrArchiveNotFound if nothing is stored.
	Open(fileID, versionID string) (io.ReadCloser, error)

	// Delete removes the stored copy. Returns false if there was none.
	Delete(fileID, versionID string) (bool, error)

	// Exists reports whether bytes are stored for the version.
	Exists(fileID, versionID string) (bool, error)
}
