package authz

import (
	"errors"
	"time"
)

// ContextType identifies the scope a role grant or permission check applies to.
type ContextType string

// Context scopes, from widest to narrowest.
const (
	ContextSystem        ContextType = "system"
	ContextCompany       ContextType = "company"
	ContextEstablishment ContextType = "establishment"
)

// Valid reports whether the context type is one of the known scopes.
func (c ContextType) Valid() bool {
	switch c {
	case ContextSystem, ContextCompany, ContextEstablishment:
		return true
	}
	return false
}

// AssignmentStatus tracks the lifecycle of a user-role grant.
type AssignmentStatus string

const (
	StatusActive    AssignmentStatus = "active"
	StatusInactive  AssignmentStatus = "inactive"
	StatusSuspended AssignmentStatus = "suspended"
	StatusExpired   AssignmentStatus = "expired"
)

// Role level bounds and tier thresholds. Levels are a legacy coarse
// hierarchy kept alongside granular permissions.
const (
	MinRoleLevel = 10
	MaxRoleLevel = 100

	// CompanyAdminLevel and EstablishmentAdminLevel gate the visibility
	// tiers in the hierarchy resolver.
	CompanyAdminLevel       = 80
	EstablishmentAdminLevel = 60
)

// Canonical role names seeded by the platform.
const (
	RoleSuperAdmin         = "super_admin"
	RoleCompanyAdmin       = "admin_empresa"
	RoleEstablishmentAdmin = "admin_estabelecimento"
	RoleRegularUser        = "usuario_normal"
	RoleGuest              = "convidado"
)

// Sentinel errors surfaced by the store and resolver.
var (
	ErrNotFound            = errors.New("authz: not found")
	ErrValidation          = errors.New("authz: validation failed")
	ErrImmutableRole       = errors.New("authz: system role is immutable")
	ErrDuplicateAssignment = errors.New("authz: role already assigned in context")
)

// Role groups permissions under a named level within one context type.
// System roles are reference data and reject mutation.
type Role struct {
	ID           int64
	Name         string
	DisplayName  string
	Description  string
	Level        int
	ContextType  ContextType
	IsActive     bool
	IsSystemRole bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Permission is an atomic capability named module.action.resource.
type Permission struct {
	ID           int64
	Name         string
	Module       string
	Action       string
	Resource     string
	ContextLevel ContextType
	IsActive     bool
	CreatedAt    time.Time
}

// RolePermission ties a permission to a role.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	GrantedAt    time.Time
}

// UserRole is a role grant scoped to a context. ContextID is nil only for
// system-context grants. Rows are never hard-deleted; revocation flips the
// status so the assignment history stays auditable.
type UserRole struct {
	ID          int64
	UserID      int64
	RoleID      int64
	ContextType ContextType
	ContextID   *int64
	Status      AssignmentStatus
	AssignedAt  time.Time
	ExpiresAt   *time.Time
}

// Usable reports whether the grant contributes to resolution at the given
// instant: active status and not past its expiry.
func (ur UserRole) Usable(now time.Time) bool {
	if ur.Status != StatusActive {
		return false
	}
	return ur.ExpiresAt == nil || ur.ExpiresAt.After(now)
}

// PermissionSet is the resolved view of one user in one context: the
// maximal active role level plus every granular permission name attached to
// the active roles. This is what the cache stores.
type PermissionSet struct {
	UserID      int64       `json:"user_id"`
	ContextType ContextType `json:"context_type"`
	ContextID   *int64      `json:"context_id"`
	MaxLevel    int         `json:"max_level"`
	Permissions []string    `json:"permissions"`
	ResolvedAt  time.Time   `json:"resolved_at"`
}

// Has reports whether the set contains the granular permission.
func (ps PermissionSet) Has(name string) bool {
	for _, p := range ps.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// AccessLevel classifies the visibility tier granted over another user.
type AccessLevel string

const (
	AccessFull          AccessLevel = "full"
	AccessCompany       AccessLevel = "company"
	AccessEstablishment AccessLevel = "establishment"
	AccessSelf          AccessLevel = "self"
)

// AccessibleUser is one row of the "who can I manage" answer.
type AccessibleUser struct {
	UserID      int64       `json:"user_id"`
	AccessLevel AccessLevel `json:"access_level"`
	Reason      string      `json:"reason"`
}
