package tenancy

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CompanyExists reports whether an active company with the id exists.
func (r *Repository) CompanyExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1 AND is_active)`, id).Scan(&exists)
	return exists, err
}

// EstablishmentExists reports whether an active establishment with the id exists.
func (r *Repository) EstablishmentExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM establishments WHERE id = $1 AND is_active)`, id).Scan(&exists)
	return exists, err
}
