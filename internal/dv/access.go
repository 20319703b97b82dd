package dv

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AccessResolver computes effective permission levels and mutates grants.
//
// Resolution, first match wins:
//  1. missing or inactive user: none
//  2. admin user: admin
//  3. missing or soft-deleted target: none
//  4. owner of the target: admin
//  5. highest active, unexpired rule naming the user on the target
//  6. files continue at their folder, folders at their parent (steps 3-7)
//  7. none
//
// Nothing is cached; every call reads current state.
type AccessResolver struct {
	db     Database
	audit  AuditSink
	logger Logger
	clock  Clock
	idgen  IDGenerator
}

// NewAccessResolver creates an AccessResolver backed by db.
func NewAccessResolver(db Database, audit AuditSink, logger Logger, clock Clock, idgen IDGenerator) *AccessResolver {
	return &AccessResolver{
		db:     db,
		audit:  audit,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
	}
}

// Resolve returns the effective level of userID on target. Lookup failures
// are logged and resolve to AccessNone.
func (r *AccessResolver) Resolve(ctx context.Context, target Target, userID string) AccessLevel {
	return r.resolve(ctx, target, userID, false)
}

// ResolveDeleted is Resolve except that the target itself may be
// soft-deleted. Ancestors must still be live. Only undelete uses it.
func (r *AccessResolver) ResolveDeleted(ctx context.Context, target Target, userID string) AccessLevel {
	return r.resolve(ctx, target, userID, true)
}

func (r *AccessResolver) resolve(ctx context.Context, target Target, userID string, allowDeletedTarget bool) AccessLevel {
	level, err := r.evaluate(ctx, target, userID, allowDeletedTarget)
	if err != nil {
		r.logger.Error("access resolution failed", "target", target.String(), "user", userID, "error", err)
		return AccessNone
	}
	r.logger.Debug("access resolved", "target", target.String(), "user", userID, "level", level.String())
	return level
}

func (r *AccessResolver) evaluate(ctx context.Context, target Target, userID string, allowDeletedTarget bool) (AccessLevel, error) {
	user, err := r.db.FindUserByID(ctx, userID)
	if err != nil {
		return AccessNone, fmt.Errorf("finding user: %w", err)
	}
	if user == nil || !user.IsActive {
		return AccessNone, nil
	}
	if user.IsAdmin {
		return AccessAdmin, nil
	}

	now := r.clock.Now()
	subject := UserSubject(userID)
	visited := make(map[Target]bool)

	current := target
	for first := true; current.ID != ""; first = false {
		if visited[current] {
			return AccessNone, fmt.Errorf("folder hierarchy loops back to %s", current)
		}
		visited[current] = true

		n, err := r.loadNode(ctx, current)
		if err != nil {
			return AccessNone, err
		}
		if n == nil || (n.deleted && !(first && allowDeletedTarget)) {
			return AccessNone, nil
		}
		if n.ownerID == userID {
			return AccessAdmin, nil
		}

		level, err := r.explicitLevel(ctx, current, subject, now)
		if err != nil {
			return AccessNone, err
		}
		if level > AccessNone {
			return level, nil
		}

		current = n.parent
	}

	return AccessNone, nil
}

// node is the part of a file or folder that resolution needs.
type node struct {
	ownerID string
	deleted bool
	parent  Target
}

// loadNode returns nil if the target does not exist.
func (r *AccessResolver) loadNode(ctx context.Context, t Target) (*node, error) {
	switch t.Kind {
	case TargetFile:
		f, err := r.db.FindFileByID(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("finding file: %w", err)
		}
		if f == nil {
			return nil, nil
		}
		return &node{ownerID: f.OwnerID, deleted: f.IsDeleted, parent: FolderTarget(f.FolderID)}, nil
	case TargetFolder:
		f, err := r.db.FindFolderByID(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("finding folder: %w", err)
		}
		if f == nil {
			return nil, nil
		}
		return &node{ownerID: f.OwnerID, deleted: f.IsDeleted, parent: FolderTarget(f.ParentID)}, nil
	default:
		return nil, fmt.Errorf("unknown target kind: %q", t.Kind)
	}
}

// explicitLevel returns the highest effective rule level for subject on
// exactly this target. Overlapping active rules are tolerated.
func (r *AccessResolver) explicitLevel(ctx context.Context, t Target, subject Subject, now time.Time) (AccessLevel, error) {
	rules, err := r.db.ListActiveRules(ctx, t)
	if err != nil {
		return AccessNone, fmt.Errorf("listing rules: %w", err)
	}
	best := AccessNone
	for _, rule := range rules {
		if rule.Subject != subject || !rule.Effective(now) {
			continue
		}
		if rule.Level > best {
			best = rule.Level
		}
	}
	return best, nil
}

// Can reports whether userID holds at least need on target.
func (r *AccessResolver) Can(ctx context.Context, target Target, userID string, need AccessLevel) bool {
	return r.Resolve(ctx, target, userID) >= need
}

func (r *AccessResolver) CanRead(ctx context.Context, fileID, userID string) bool {
	return r.Can(ctx, FileTarget(fileID), userID, AccessRead)
}

func (r *AccessResolver) CanEdit(ctx context.Context, fileID, userID string) bool {
	return r.Can(ctx, FileTarget(fileID), userID, AccessWrite)
}

func (r *AccessResolver) CanDelete(ctx context.Context, fileID, userID string) bool {
	return r.Can(ctx, FileTarget(fileID), userID, AccessDelete)
}

// CanViewHistory gates version listings. Reading a file is enough.
func (r *AccessResolver) CanViewHistory(ctx context.Context, fileID, userID string) bool {
	return r.Can(ctx, FileTarget(fileID), userID, AccessRead)
}

func (r *AccessResolver) CanReadFolder(ctx context.Context, folderID, userID string) bool {
	return r.Can(ctx, FolderTarget(folderID), userID, AccessRead)
}

func (r *AccessResolver) CanCreateIn(ctx context.Context, folderID, userID string) bool {
	return r.Can(ctx, FolderTarget(folderID), userID, AccessWrite)
}

func (r *AccessResolver) CanEditFolder(ctx context.Context, folderID, userID string) bool {
	return r.Can(ctx, FolderTarget(folderID), userID, AccessWrite)
}

func (r *AccessResolver) CanDeleteFolder(ctx context.Context, folderID, userID string) bool {
	return r.Can(ctx, FolderTarget(folderID), userID, AccessDelete)
}

// SetAccess replaces subjectUserID's grant on target with level. The granter
// must hold admin on the target. Previous rules are deactivated, not
// removed; AccessNone revokes without inserting a new rule.
func (r *AccessResolver) SetAccess(ctx context.Context, target Target, subjectUserID string, level AccessLevel, grantedBy string, expiresAt sql.NullTime) error {
	if !level.Valid() {
		return fmt.Errorf("invalid access level: %d", level)
	}

	n, err := r.loadNode(ctx, target)
	if err != nil {
		return err
	}
	if n == nil || n.deleted {
		return fmt.Errorf("%s: %w", target, ErrNotFound)
	}

	subjectUser, err := r.db.FindUserByID(ctx, subjectUserID)
	if err != nil {
		return fmt.Errorf("finding subject user: %w", err)
	}
	if subjectUser == nil {
		return fmt.Errorf("user %s: %w", subjectUserID, ErrNotFound)
	}

	if r.Resolve(ctx, target, grantedBy) < AccessAdmin {
		r.logger.Warn("grant refused", "target", target.String(), "granted_by", grantedBy, "subject", subjectUserID)
		r.audit.Record(ctx, AuditEntry{
			UserID:       grantedBy,
			Action:       ActionAccessChange,
			EntityType:   string(target.Kind),
			EntityID:     target.ID,
			Description:  fmt.Sprintf("attempt to set %s access for user %s", level, subjectUserID),
			ErrorMessage: "insufficient rights",
		})
		return ErrAccessDenied
	}

	var rule *AccessRule
	if level > AccessNone {
		rule = &AccessRule{
			ID:        r.idgen.New(),
			Target:    target,
			Subject:   UserSubject(subjectUserID),
			Level:     level,
			CreatedBy: grantedBy,
			CreatedAt: r.clock.Now(),
			ExpiresAt: expiresAt,
			IsActive:  true,
		}
	}

	if err := r.db.ReplaceAccessRule(ctx, target, UserSubject(subjectUserID), rule); err != nil {
		return fmt.Errorf("replacing access rule: %w", err)
	}

	r.logger.Info("access changed", "target", target.String(), "subject", subjectUserID, "level", level.String(), "granted_by", grantedBy)
	r.audit.Record(ctx, AuditEntry{
		UserID:      grantedBy,
		Action:      ActionAccessChange,
		EntityType:  string(target.Kind),
		EntityID:    target.ID,
		Description: fmt.Sprintf("access for user %s set to %s", subjectUserID, level),
		Success:     true,
	})
	return nil
}

// InheritFrom copies every active rule of parentFolderID onto
// childFolderID as new, independently revocable rules. It is a snapshot:
// later changes to the parent's rules do not propagate.
func (r *AccessResolver) InheritFrom(ctx context.Context, childFolderID, parentFolderID string) error {
	child, err := r.db.FindFolderByID(ctx, childFolderID)
	if err != nil {
		return fmt.Errorf("finding child folder: %w", err)
	}
	if child == nil {
		return fmt.Errorf("folder %s: %w", childFolderID, ErrNotFound)
	}
	parent, err := r.db.FindFolderByID(ctx, parentFolderID)
	if err != nil {
		return fmt.Errorf("finding parent folder: %w", err)
	}
	if parent == nil {
		return fmt.Errorf("folder %s: %w", parentFolderID, ErrNotFound)
	}

	parentRules, err := r.db.ListActiveRules(ctx, FolderTarget(parentFolderID))
	if err != nil {
		return fmt.Errorf("listing parent rules: %w", err)
	}
	if len(parentRules) == 0 {
		return nil
	}

	now := r.clock.Now()
	copies := make([]*AccessRule, 0, len(parentRules))
	for _, pr := range parentRules {
		copies = append(copies, &AccessRule{
			ID:        r.idgen.New(),
			Target:    FolderTarget(childFolderID),
			Subject:   pr.Subject,
			Level:     pr.Level,
			CreatedBy: pr.CreatedBy,
			CreatedAt: now,
			ExpiresAt: pr.ExpiresAt,
			IsActive:  true,
		})
	}

	if err := r.db.CreateAccessRules(ctx, copies); err != nil {
		return fmt.Errorf("copying rules: %w", err)
	}

	r.logger.Info("rules inherited", "folder", childFolderID, "parent", parentFolderID, "count", len(copies))
	return nil
}

// ListRules returns the active rules defined directly on target.
func (r *AccessResolver) ListRules(ctx context.Context, target Target) ([]*AccessRule, error) {
	rules, err := r.db.ListActiveRules(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	return rules, nil
}

// RuleHistory returns every rule, active or not, that ever named userID on
// target.
func (r *AccessResolver) RuleHistory(ctx context.Context, target Target, userID string) ([]*AccessRule, error) {
	rules, err := r.db.ListRulesForSubject(ctx, target, UserSubject(userID))
	if err != nil {
		return nil, fmt.Errorf("listing rule history: %w", err)
	}
	return rules, nil
}

// RemoveUserAccess deactivates every active rule naming userID.
func (r *AccessResolver) RemoveUserAccess(ctx context.Context, userID string) (int64, error) {
	n, err := r.db.DeactivateRulesForSubject(ctx, UserSubject(userID))
	if err != nil {
		return 0, fmt.Errorf("deactivating rules: %w", err)
	}
	r.logger.Info("user access removed", "user", userID, "rules", n)
	return n, nil
}
