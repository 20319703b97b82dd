package dv

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Options tunes DVService behaviour.
type Options struct {
	// RemoteTimeout bounds every call to the remote provider. Zero means no
	// timeout beyond the caller's context.
	RemoteTimeout time.Duration
}

// DVService is the orchestration layer for folders, files and versions. It
// authorizes through the AccessResolver, talks to the remote provider and
// the archive, and records every mutation in the audit trail.
type DVService struct {
	database Database
	remote   RemoteProvider
	archive  VersionArchive
	audit    AuditSink
	access   *AccessResolver
	logger   Logger
	clock    Clock
	idgen    IDGenerator
	opts     Options

	fileLocks keyedMutex
}

// NewDVService creates a new DVService with the provided dependencies.
func NewDVService(database Database, remote RemoteProvider, archive VersionArchive, audit AuditSink, logger Logger, clock Clock, idgen IDGenerator, opts Options) *DVService {
	return &DVService{
		database: database,
		remote:   remote,
		archive:  archive,
		audit:    audit,
		access:   NewAccessResolver(database, audit, logger, clock, idgen),
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
		opts:     opts,
	}
}

// Access returns the resolver the service authorizes with.
func (s *DVService) Access() *AccessResolver {
	return s.access
}

// remoteContext derives the context used for a single provider call.
func (s *DVService) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RemoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.RemoteTimeout)
}

// liveFile returns the file or ErrNotFound if it is missing or soft-deleted.
func (s *DVService) liveFile(ctx context.Context, fileID string) (*FileItem, error) {
	file, err := s.database.FindFileByID(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("finding file: %w", err)
	}
	if file == nil || file.IsDeleted {
		return nil, fmt.Errorf("file %s: %w", fileID, ErrNotFound)
	}
	return file, nil
}

// liveFolder returns the folder or ErrNotFound if it is missing or
// soft-deleted.
func (s *DVService) liveFolder(ctx context.Context, folderID string) (*Folder, error) {
	folder, err := s.database.FindFolderByID(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("finding folder: %w", err)
	}
	if folder == nil || folder.IsDeleted {
		return nil, fmt.Errorf("folder %s: %w", folderID, ErrNotFound)
	}
	return folder, nil
}

// deny records a refused operation and returns ErrAccessDenied.
func (s *DVService) deny(ctx context.Context, userID string, action AuditAction, entityType, entityID, entityName string) error {
	s.logger.Warn("access denied", "user", userID, "action", string(action), "entity", entityType, "id", entityID)
	s.audit.Record(ctx, AuditEntry{
		UserID:       userID,
		Action:       action,
		EntityType:   entityType,
		EntityID:     entityID,
		EntityName:   entityName,
		Description:  "operation refused",
		ErrorMessage: ErrAccessDenied.Error(),
	})
	return ErrAccessDenied
}

// record writes a successful audit entry.
func (s *DVService) record(ctx context.Context, userID string, action AuditAction, entityType, entityID, entityName, description string) {
	s.audit.Record(ctx, AuditEntry{
		UserID:      userID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityName:  entityName,
		Description: description,
		Success:     true,
	})
}

// keyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
