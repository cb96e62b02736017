package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Legacy level cut-offs for the one-time role migration. The bridge maps
// the old numeric hierarchy onto seeded roles and is not consulted by
// steady-state resolution.
const (
	legacySuperAdminLevel    = 90
	legacyCompanyAdminLevel  = 80
	legacyEstablishmentLevel = 60
)

// SuggestRoleForLevel maps a legacy numeric level to the canonical role
// name. A nil level means the user predates the level scheme entirely and
// lands on the guest role.
func SuggestRoleForLevel(level *int) string {
	if level == nil {
		return RoleGuest
	}
	switch {
	case *level >= legacySuperAdminLevel:
		return RoleSuperAdmin
	case *level >= legacyCompanyAdminLevel:
		return RoleCompanyAdmin
	case *level >= legacyEstablishmentLevel:
		return RoleEstablishmentAdmin
	default:
		return RoleRegularUser
	}
}

// MigrationResult reports the outcome of migrating one user.
type MigrationResult struct {
	UserID          int64  `json:"user_id"`
	RoleName        string `json:"role_name"`
	AlreadyAssigned bool   `json:"already_assigned"`
}

// MigratorStore is the mutation surface the migrator needs.
type MigratorStore interface {
	GetRoleByName(ctx context.Context, name string) (Role, error)
	AssignRoleToUser(ctx context.Context, userID, roleID int64, contextType ContextType, contextID *int64, expiresAt *time.Time) (UserRole, error)
}

// Migrator applies the legacy bridge. It is an offline utility, not part of
// the resolution hot path.
type Migrator struct {
	store  MigratorStore
	logger *slog.Logger
}

// NewMigrator constructs the migrator.
func NewMigrator(store MigratorStore, logger *slog.Logger) *Migrator {
	return &Migrator{store: store, logger: logger}
}

// MigrateUserFromLevel assigns the role suggested for the legacy level.
// Scoped roles need the target context id; a duplicate active grant counts
// as already migrated, which makes re-runs of the batch harmless.
func (m *Migrator) MigrateUserFromLevel(ctx context.Context, userID int64, legacyLevel *int, contextID *int64) (MigrationResult, error) {
	name := SuggestRoleForLevel(legacyLevel)
	role, err := m.store.GetRoleByName(ctx, name)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("authz: migration role %q: %w", name, err)
	}
	if role.ContextType != ContextSystem && contextID == nil {
		return MigrationResult{}, fmt.Errorf("%w: role %q needs a %s context id", ErrValidation, name, role.ContextType)
	}
	scopedID := contextID
	if role.ContextType == ContextSystem {
		scopedID = nil
	}
	_, err = m.store.AssignRoleToUser(ctx, userID, role.ID, role.ContextType, scopedID, nil)
	if errors.Is(err, ErrDuplicateAssignment) {
		if m.logger != nil {
			m.logger.Info("user already migrated", slog.Int64("user_id", userID), slog.String("role", name))
		}
		return MigrationResult{UserID: userID, RoleName: name, AlreadyAssigned: true}, nil
	}
	if err != nil {
		return MigrationResult{}, err
	}
	return MigrationResult{UserID: userID, RoleName: name}, nil
}
