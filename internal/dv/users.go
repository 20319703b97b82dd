package dv

import (
	"context"
	"fmt"
	"strings"
)

// CreateUser registers a user. Email must be unique.
func (s *DVService) CreateUser(ctx context.Context, email, fullName string, admin bool) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email: %q", email)
	}

	existing, err := s.database.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("checking email: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: email %s already registered", ErrInvalidState, email)
	}

	user := &User{
		ID:        s.idgen.New(),
		Email:     email,
		FullName:  strings.TrimSpace(fullName),
		IsActive:  true,
		IsAdmin:   admin,
		CreatedAt: s.clock.Now(),
	}
	if err := s.database.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Info("user created", "user", user.ID, "email", email, "admin", admin)
	s.record(ctx, "", ActionUserCreate, EntityUser, user.ID, user.Email, "user created")
	return user, nil
}

// ListUsers returns every user.
func (s *DVService) ListUsers(ctx context.Context) ([]*User, error) {
	users, err := s.database.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// DeactivateUser disables a user and revokes every rule naming them.
func (s *DVService) DeactivateUser(ctx context.Context, userID string) error {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}

	user.IsActive = false
	if err := s.database.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	revoked, err := s.access.RemoveUserAccess(ctx, userID)
	if err != nil {
		return err
	}

	s.record(ctx, "", ActionUserUpdate, EntityUser, user.ID, user.Email, fmt.Sprintf("deactivated, %d rules revoked", revoked))
	return nil
}

// SetAdmin grants or removes administrator status.
func (s *DVService) SetAdmin(ctx context.Context, userID string, admin bool) error {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}

	user.IsAdmin = admin
	if err := s.database.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("updating user: %w", err)
	}

	s.logger.Info("user admin changed", "user", userID, "admin", admin)
	s.record(ctx, "", ActionUserUpdate, EntityUser, user.ID, user.Email, fmt.Sprintf("admin set to %t", admin))
	return nil
}

func (s *DVService) findUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.database.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return user, nil
}

// CreateGroup registers a group that rules can name as subject.
func (s *DVService) CreateGroup(ctx context.Context, name string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("invalid group name: %q", name)
	}

	group := &Group{
		ID:        s.idgen.New(),
		Name:      name,
		IsActive:  true,
		CreatedAt: s.clock.Now(),
	}
	if err := s.database.CreateGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}

	s.record(ctx, "", ActionGroupCreate, EntityGroup, group.ID, group.Name, "group created")
	return group, nil
}

// ListAudit returns audit entries, newest first.
func (s *DVService) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	entries, err := s.database.ListAuditEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

// ListLoopRuns returns recent background loop ticks, newest first.
func (s *DVService) ListLoopRuns(ctx context.Context, limit int) ([]*LoopRun, error) {
	runs, err := s.database.ListLoopRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing loop runs: %w", err)
	}
	return runs, nil
}
