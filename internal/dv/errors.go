package dv

import (
	"errors"
	"fmt"
)

// Authorization denials, missing entities and invalid state transitions are
// reported with these sentinels so callers can map them (403 vs 404 vs 409)
// with errors.Is.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")

	ErrCycle           = fmt.Errorf("%w: folder cannot be moved into itself or a descendant", ErrInvalidState)
	ErrNameConflict    = fmt.Errorf("%w: name already exists in target folder", ErrInvalidState)
	ErrUnsupportedType = fmt.Errorf("%w: file type not supported for online editing", ErrInvalidState)
	ErrVersionNotFound = fmt.Errorf("%w: version does not exist", ErrInvalidState)

	// ErrVersionConflict means another writer committed the same version
	// number first.
	ErrVersionConflict = errors.New("version number already taken")

	// ErrIntegrity marks a stored hash that no longer matches archived bytes.
	ErrIntegrity = errors.New("integrity violation")

	// ErrRemoteNotFound is returned by RemoteProvider implementations when
	// the path does not exist.
	ErrRemoteNotFound = errors.New("remote object not found")

	// ErrArchiveNotFound is returned by VersionArchive implementations when
	// no bytes are stored for a file version.
	ErrArchiveNotFound = errors.New("archived version not found")
)
