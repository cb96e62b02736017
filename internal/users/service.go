package users

import (
	"context"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	GetUser(ctx context.Context, id int64) (User, error)
	IsSystemAdmin(ctx context.Context, id int64) (bool, error)
	ListWithLegacyLevel(ctx context.Context) ([]User, error)
}

// Service handles user lookups for the authorization core.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// IsSystemAdmin reports whether the user bypasses permission checks.
func (s *Service) IsSystemAdmin(ctx context.Context, id int64) (bool, error) {
	return s.repo.IsSystemAdmin(ctx, id)
}

// ListWithLegacyLevel returns users awaiting level migration.
func (s *Service) ListWithLegacyLevel(ctx context.Context) ([]User, error) {
	return s.repo.ListWithLegacyLevel(ctx)
}
