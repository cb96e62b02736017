package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitacare-hc/vitacare/internal/platform/db"
)

// Store provides PostgreSQL backed persistence for roles, permissions and
// user-role grants. It is the only writer of those tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const roleColumns = `id, name, display_name, description, level, context_type, is_active, is_system_role, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.Level,
		&role.ContextType, &role.IsActive, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

// RoleInput carries the fields accepted when creating or updating a role.
type RoleInput struct {
	Name        string
	DisplayName string
	Description string
	Level       int
	ContextType ContextType
}

func (in RoleInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: role name required", ErrValidation)
	}
	if in.Level < MinRoleLevel || in.Level > MaxRoleLevel {
		return fmt.Errorf("%w: level %d outside [%d,%d]", ErrValidation, in.Level, MinRoleLevel, MaxRoleLevel)
	}
	if !in.ContextType.Valid() {
		return fmt.Errorf("%w: unknown context type %q", ErrValidation, in.ContextType)
	}
	return nil
}

// CreateRole inserts a new role. Level and context type are fixed for the
// lifetime of the role.
func (s *Store) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	if err := in.validate(); err != nil {
		return Role{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name, display_name, description, level, context_type, is_active, is_system_role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, NOW(), NOW())
		RETURNING `+roleColumns,
		strings.TrimSpace(in.Name), strings.TrimSpace(in.DisplayName), strings.TrimSpace(in.Description), in.Level, in.ContextType)
	role, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("%w: role name %q already exists", ErrValidation, in.Name)
		}
		return Role{}, err
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// GetRoleByName fetches a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles ordered by level then name.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY level DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole changes the mutable fields of a role. Name, level and context
// type are identity and stay untouched. System roles reject every mutation.
func (s *Store) UpdateRole(ctx context.Context, id int64, displayName, description string, isActive bool) (Role, error) {
	var updated Role
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		role, err := scanRole(tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if role.IsSystemRole {
			return ErrImmutableRole
		}
		updated, err = scanRole(tx.QueryRow(ctx, `
			UPDATE roles SET display_name = $2, description = $3, is_active = $4, updated_at = NOW()
			WHERE id = $1
			RETURNING `+roleColumns, id, strings.TrimSpace(displayName), strings.TrimSpace(description), isActive))
		return err
	})
	if err != nil {
		return Role{}, err
	}
	return updated, nil
}

// DeleteRole removes a role. System roles reject deletion. Roles referenced
// by any grant are deactivated instead of removed so history stays intact.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		role, err := scanRole(tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if role.IsSystemRole {
			return ErrImmutableRole
		}
		var referenced bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_roles WHERE role_id = $1)`, id).Scan(&referenced); err != nil {
			return err
		}
		if referenced {
			_, err = tx.Exec(ctx, `UPDATE roles SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		return err
	})
}

// ListPermissions returns the permission catalog ordered by name.
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, module, action, resource, context_level, is_active, created_at
		FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Module, &p.Action, &p.Resource, &p.ContextLevel, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// AssignPermissionsToRole grants the given permissions to a role. Every id
// must reference an active permission. Existing grants are left untouched,
// so the call is idempotent.
func (s *Store) AssignPermissionsToRole(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var activeCount int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM permissions WHERE id = ANY($1) AND is_active`, permissionIDs).Scan(&activeCount); err != nil {
			return err
		}
		if activeCount != len(uniqueIDs(permissionIDs)) {
			return fmt.Errorf("%w: one or more permission ids are unknown or inactive", ErrValidation)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id, granted_at)
			SELECT $1, unnest($2::bigint[]), NOW()
			ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionIDs)
		return err
	})
}

// ReplaceRolePermissions makes the role's grant set exactly permissionIDs,
// adding missing pairs and pruning the rest in one transaction.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if len(permissionIDs) > 0 {
			var activeCount int
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM permissions WHERE id = ANY($1) AND is_active`, permissionIDs).Scan(&activeCount); err != nil {
				return err
			}
			if activeCount != len(uniqueIDs(permissionIDs)) {
				return fmt.Errorf("%w: one or more permission ids are unknown or inactive", ErrValidation)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, granted_at)
				SELECT $1, unnest($2::bigint[]), NOW()
				ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionIDs); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM role_permissions WHERE role_id = $1 AND NOT (permission_id = ANY($2))`, roleID, permissionIDs)
		return err
	})
}

// AssignRoleToUser records a grant. Uniqueness of the active
// (user, role, context) tuple is enforced by the database constraint so a
// concurrent identical assignment loses with ErrDuplicateAssignment.
func (s *Store) AssignRoleToUser(ctx context.Context, userID, roleID int64, contextType ContextType, contextID *int64, expiresAt *time.Time) (UserRole, error) {
	if err := validateContext(contextType, contextID); err != nil {
		return UserRole{}, err
	}
	var grant UserRole
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var roleActive bool
		if err := tx.QueryRow(ctx, `SELECT is_active FROM roles WHERE id = $1`, roleID).Scan(&roleActive); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
			}
			return err
		}
		if !roleActive {
			return fmt.Errorf("%w: role %d is inactive", ErrValidation, roleID)
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO user_roles (user_id, role_id, context_type, context_id, status, assigned_at, expires_at)
			VALUES ($1, $2, $3, $4, 'active', NOW(), $5)
			RETURNING id, user_id, role_id, context_type, context_id, status, assigned_at, expires_at`,
			userID, roleID, contextType, contextID, expiresAt)
		return row.Scan(&grant.ID, &grant.UserID, &grant.RoleID, &grant.ContextType, &grant.ContextID,
			&grant.Status, &grant.AssignedAt, &grant.ExpiresAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return UserRole{}, ErrDuplicateAssignment
		}
		return UserRole{}, err
	}
	return grant, nil
}

// RevokeRole deactivates an active grant. The row is kept for audit.
func (s *Store) RevokeRole(ctx context.Context, userID, roleID int64, contextType ContextType, contextID *int64) error {
	if err := validateContext(contextType, contextID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_roles SET status = 'inactive'
		WHERE user_id = $1 AND role_id = $2 AND context_type = $3
		  AND context_id IS NOT DISTINCT FROM $4 AND status = 'active'`,
		userID, roleID, contextType, contextID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxActiveLevel resolves the user's highest usable role level in a context.
// Returns 0 when the user holds no usable grant there.
func (s *Store) MaxActiveLevel(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (int, error) {
	var level int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(r.level), 0)
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active
		WHERE ur.user_id = $1 AND ur.context_type = $2
		  AND ur.context_id IS NOT DISTINCT FROM $3
		  AND ur.status = 'active'
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())`,
		userID, contextType, contextID).Scan(&level)
	return level, err
}

// ActivePermissionNames lists the granular permission names attached to the
// user's usable roles in a context.
func (s *Store) ActivePermissionNames(ctx context.Context, userID int64, contextType ContextType, contextID *int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		WHERE ur.user_id = $1 AND ur.context_type = $2
		  AND ur.context_id IS NOT DISTINCT FROM $3
		  AND ur.status = 'active'
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		ORDER BY p.name`,
		userID, contextType, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ActiveRoles lists the usable roles a user holds in a context, for the
// diagnostics view.
func (s *Store) ActiveRoles(ctx context.Context, userID int64, contextType ContextType, contextID *int64) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.display_name, r.description, r.level, r.context_type, r.is_active, r.is_system_role, r.created_at, r.updated_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active
		WHERE ur.user_id = $1 AND ur.context_type = $2
		  AND ur.context_id IS NOT DISTINCT FROM $3
		  AND ur.status = 'active'
		  AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
		ORDER BY r.level DESC`,
		userID, contextType, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, role)
	}
	return result, rows.Err()
}

func validateContext(contextType ContextType, contextID *int64) error {
	if !contextType.Valid() {
		return fmt.Errorf("%w: unknown context type %q", ErrValidation, contextType)
	}
	if contextType == ContextSystem && contextID != nil {
		return fmt.Errorf("%w: system context takes no context id", ErrValidation)
	}
	if contextType != ContextSystem && contextID == nil {
		return fmt.Errorf("%w: %s context requires a context id", ErrValidation, contextType)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
