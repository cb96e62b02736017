package authz

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgVisibilityStore implements VisibilityStore with set-returning queries
// over the tenancy tables.
type PgVisibilityStore struct {
	pool *pgxpool.Pool
}

// NewPgVisibilityStore constructs the store.
func NewPgVisibilityStore(pool *pgxpool.Pool) *PgVisibilityStore {
	return &PgVisibilityStore{pool: pool}
}

// IsSystemAdmin reads the bypass flag for a user.
func (s *PgVisibilityStore) IsSystemAdmin(ctx context.Context, userID int64) (bool, error) {
	var admin bool
	err := s.pool.QueryRow(ctx, `SELECT is_system_admin FROM users WHERE id = $1 AND is_active`, userID).Scan(&admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return admin, err
}

// AllActiveUserIDs lists every active user.
func (s *PgVisibilityStore) AllActiveUserIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT id FROM users WHERE is_active ORDER BY id`)
}

// AdminContextIDs lists the contexts where the user holds a usable role of
// the given type at or above minLevel.
func (s *PgVisibilityStore) AdminContextIDs(ctx context.Context, userID int64, contextType ContextType, minLevel int) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT ur.context_id
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active
		WHERE ur.user_id = $1 AND ur.context_type = $2 AND ur.context_id IS NOT NULL
		  AND ur.status = 'active'
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		  AND r.level >= $3`,
		userID, contextType, minLevel)
}

// UsersUnderCompanies lists active users reachable from the companies:
// members of any establishment under them, plus users whose own
// company-context role places them directly under one of them.
func (s *PgVisibilityStore) UsersUnderCompanies(ctx context.Context, companyIDs []int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT u.id
		FROM users u
		JOIN user_establishments ue ON ue.user_id = u.id
		JOIN establishments e ON e.id = ue.establishment_id AND e.is_active
		WHERE u.is_active AND e.company_id = ANY($1)
		UNION
		SELECT DISTINCT u.id
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE u.is_active
		  AND ur.context_type = 'company' AND ur.context_id = ANY($1)
		  AND ur.status = 'active'
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())`,
		companyIDs)
}

// UsersInEstablishments lists active users attached to the establishments.
func (s *PgVisibilityStore) UsersInEstablishments(ctx context.Context, establishmentIDs []int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT u.id
		FROM users u
		JOIN user_establishments ue ON ue.user_id = u.id
		WHERE u.is_active AND ue.establishment_id = ANY($1)`,
		establishmentIDs)
}

// ColleagueIDs lists active users sharing at least one establishment
// membership with the user.
func (s *PgVisibilityStore) ColleagueIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT other.user_id
		FROM user_establishments own
		JOIN user_establishments other ON other.establishment_id = own.establishment_id
		JOIN users u ON u.id = other.user_id AND u.is_active
		WHERE own.user_id = $1 AND other.user_id <> $1`,
		userID)
}

func (s *PgVisibilityStore) queryIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
