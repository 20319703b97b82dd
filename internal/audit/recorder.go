// Package audit persists the audit trail.
package audit

import (
	"context"
	"sync"

	"dv-go/internal/dv"
)

// Store is the persistence the Recorder needs.
type Store interface {
	CreateAuditEntry(ctx context.Context, entry *dv.AuditEntry) error
}

// Recorder writes audit entries to a Store. It assigns IDs and timestamps
// and logs write failures instead of returning them.
type Recorder struct {
	store  Store
	logger dv.Logger
	clock  dv.Clock
	idgen  dv.IDGenerator
}

var _ dv.AuditSink = (*Recorder)(nil)

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger dv.Logger, clock dv.Clock, idgen dv.IDGenerator) *Recorder {
	return &Recorder{store: store, logger: logger, clock: clock, idgen: idgen}
}

// Record persists entry. Cancellation of ctx does not drop the entry: an
// operation that was interrupted after mutating state is still audited.
func (r *Recorder) Record(ctx context.Context, entry dv.AuditEntry) {
	if entry.ID == "" {
		entry.ID = r.idgen.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock.Now()
	}

	if err := r.store.CreateAuditEntry(context.WithoutCancel(ctx), &entry); err != nil {
		r.logger.Error("writing audit entry",
			"action", string(entry.Action),
			"entity", entry.EntityType,
			"id", entry.EntityID,
			"error", err)
	}
}

// MemorySink keeps entries in memory, in recording order. Tests use it to
// assert on what was audited.
type MemorySink struct {
	mu      sync.Mutex
	entries []dv.AuditEntry
}

var _ dv.AuditSink = (*MemorySink)(nil)

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(_ context.Context, entry dv.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

// Entries returns a copy of every recorded entry.
func (m *MemorySink) Entries() []dv.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dv.AuditEntry(nil), m.entries...)
}

// Find returns the entries with the given action.
func (m *MemorySink) Find(action dv.AuditAction) []dv.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dv.AuditEntry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
