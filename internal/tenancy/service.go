package tenancy

import (
	"context"

	"github.com/vitacare-hc/vitacare/internal/authz"
)

// RepositoryPort defines data access methods for tenant units.
type RepositoryPort interface {
	CompanyExists(ctx context.Context, id int64) (bool, error)
	EstablishmentExists(ctx context.Context, id int64) (bool, error)
}

// Service validates context references for role grants.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ContextExists reports whether the context id of a scoped grant references
// a live tenant unit. System context has no id and always passes.
func (s *Service) ContextExists(ctx context.Context, contextType authz.ContextType, contextID *int64) (bool, error) {
	switch contextType {
	case authz.ContextSystem:
		return contextID == nil, nil
	case authz.ContextCompany:
		if contextID == nil {
			return false, nil
		}
		return s.repo.CompanyExists(ctx, *contextID)
	case authz.ContextEstablishment:
		if contextID == nil {
			return false, nil
		}
		return s.repo.EstablishmentExists(ctx, *contextID)
	}
	return false, nil
}
