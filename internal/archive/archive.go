// Package archive holds the durable local copy of every version's bytes.
package archive

import (
	"errors"
	"fmt"

	"dv-go/internal/config"
	"dv-go/internal/dv"
)

// ErrLocked is returned when reading an encrypted archive before Unlock.
var ErrLocked = errors.New("archive is locked: passphrase required")

// Archive is a VersionArchive that may need a decryption key for reads.
// Writes never do, so background loops run without the passphrase.
type Archive interface {
	dv.VersionArchive

	// Unlock installs the key used to open encrypted versions.
	Unlock(dc dv.DecryptionContext)

	// Encrypted reports whether stored bytes are sealed.
	Encrypted() bool
}

// NewArchiveFromConfig creates an Archive based on the archive config type.
// enc may be nil only when cfg.Encrypt is false.
func NewArchiveFromConfig(cfg config.ArchiveConfig, enc dv.Encryptor) (Archive, error) {
	if !cfg.Encrypt {
		enc = nil
	} else if enc == nil {
		return nil, fmt.Errorf("encrypted archive requires an encryptor")
	}

	switch cfg.Type {
	case "memory":
		return NewMemoryArchive(), nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem archive requires dir to be set")
		}
		return NewFileSystemArchive(cfg.Dir, enc)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}
