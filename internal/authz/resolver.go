package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// StorePort is the read surface the resolver needs from the store.
type StorePort interface {
	MaxActiveLevel(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (int, error)
	ActivePermissionNames(ctx context.Context, userID int64, contextType ContextType, contextID *int64) ([]string, error)
	ActiveRoles(ctx context.Context, userID int64, contextType ContextType, contextID *int64) ([]Role, error)
}

// ThresholdPort reads the legacy level policy table.
type ThresholdPort interface {
	MinLevel(ctx context.Context, permissionName string) (int, bool, error)
	All(ctx context.Context) (map[string]int, error)
}

// UserDirectory answers the identity questions the resolver needs about the
// requesting user.
type UserDirectory interface {
	IsSystemAdmin(ctx context.Context, userID int64) (bool, error)
}

// Resolver decides permission checks. It is a pure read path: any number of
// calls may run concurrently, with the cache as the only shared state.
type Resolver struct {
	store      StorePort
	thresholds ThresholdPort
	users      UserDirectory
	cache      *Cache
	logger     *slog.Logger
	group      singleflight.Group
	now        func() time.Time
}

// NewResolver constructs the resolution engine.
func NewResolver(store StorePort, thresholds ThresholdPort, users UserDirectory, cache *Cache, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		thresholds: thresholds,
		users:      users,
		cache:      cache,
		logger:     logger,
		now:        time.Now,
	}
}

// WithNow overrides the resolver clock for testing.
func (r *Resolver) WithNow(fn func() time.Time) {
	if fn != nil {
		r.now = fn
	}
}

// HasPermission reports whether the user may exercise permissionName in the
// given context. A deny is a plain false with no reason attached; only
// store failures surface as errors.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, permissionName string, contextType ContextType, contextID *int64) (bool, error) {
	admin, err := r.users.IsSystemAdmin(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("authz: resolve system admin: %w", err)
	}
	if admin {
		return true, nil
	}

	// A missing context id for a scoped context can never match a grant.
	if contextType != ContextSystem && contextID == nil {
		return false, nil
	}
	if !contextType.Valid() {
		return false, nil
	}

	set, err := r.resolveSet(ctx, userID, contextType, contextID)
	if err != nil {
		return false, err
	}
	if set.Has(permissionName) {
		return true, nil
	}

	minLevel, known, err := r.thresholds.MinLevel(ctx, permissionName)
	if err != nil {
		return false, fmt.Errorf("authz: threshold lookup: %w", err)
	}
	if !known {
		if r.logger != nil {
			r.logger.Warn("permission unknown to threshold table, denying",
				slog.String("permission", permissionName),
				slog.Int64("user_id", userID))
		}
		return false, nil
	}
	return set.MaxLevel >= minLevel, nil
}

// GetUserPermissions enumerates the user's resolved state in a context for
// the administrative diagnostics view. It reads the store directly so the
// answer is never stale.
func (r *Resolver) GetUserPermissions(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (UserPermissions, error) {
	admin, err := r.users.IsSystemAdmin(ctx, userID)
	if err != nil {
		return UserPermissions{}, err
	}
	roles, err := r.store.ActiveRoles(ctx, userID, contextType, contextID)
	if err != nil {
		return UserPermissions{}, err
	}
	granular, err := r.store.ActivePermissionNames(ctx, userID, contextType, contextID)
	if err != nil {
		return UserPermissions{}, err
	}
	maxLevel := 0
	for _, role := range roles {
		if role.Level > maxLevel {
			maxLevel = role.Level
		}
	}
	mappings, err := r.thresholds.All(ctx)
	if err != nil {
		return UserPermissions{}, err
	}
	var levelGrants []string
	for name, min := range mappings {
		if maxLevel >= min {
			levelGrants = append(levelGrants, name)
		}
	}
	sort.Strings(levelGrants)
	return UserPermissions{
		UserID:      userID,
		ContextType: contextType,
		ContextID:   contextID,
		SystemAdmin: admin,
		Roles:       roles,
		MaxLevel:    maxLevel,
		Granular:    granular,
		LevelGrants: levelGrants,
	}, nil
}

// InvalidateUser drops the user's cached permission sets.
func (r *Resolver) InvalidateUser(ctx context.Context, userID int64) error {
	return r.cache.Invalidate(ctx, userID)
}

// InvalidateAll drops every cached permission set.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.cache.InvalidateAll(ctx)
}

// resolveSet loads the (user, context) permission set through the cache,
// coalescing concurrent misses for the same key.
func (r *Resolver) resolveSet(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (PermissionSet, error) {
	key := flightKey(userID, contextType, contextID)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.cache.GetOrResolve(ctx, userID, contextType, contextID, func(ctx context.Context) (PermissionSet, error) {
			return r.loadSet(ctx, userID, contextType, contextID)
		})
	})
	if err != nil {
		return PermissionSet{}, err
	}
	return v.(PermissionSet), nil
}

func (r *Resolver) loadSet(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (PermissionSet, error) {
	level, err := r.store.MaxActiveLevel(ctx, userID, contextType, contextID)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("authz: max level: %w", err)
	}
	perms, err := r.store.ActivePermissionNames(ctx, userID, contextType, contextID)
	if err != nil {
		return PermissionSet{}, fmt.Errorf("authz: permission names: %w", err)
	}
	return PermissionSet{
		UserID:      userID,
		ContextType: contextType,
		ContextID:   contextID,
		MaxLevel:    level,
		Permissions: perms,
		ResolvedAt:  r.now(),
	}, nil
}

func flightKey(userID int64, contextType ContextType, contextID *int64) string {
	if contextID == nil {
		return fmt.Sprintf("%d:%s", userID, contextType)
	}
	return fmt.Sprintf("%d:%s:%d", userID, contextType, *contextID)
}

// UserPermissions is the diagnostics enumeration returned to administrators.
type UserPermissions struct {
	UserID      int64       `json:"user_id"`
	ContextType ContextType `json:"context_type"`
	ContextID   *int64      `json:"context_id"`
	SystemAdmin bool        `json:"system_admin"`
	Roles       []Role      `json:"roles"`
	MaxLevel    int         `json:"max_level"`
	Granular    []string    `json:"granular_permissions"`
	LevelGrants []string    `json:"level_grants"`
}
