package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/vitacare-hc/vitacare/internal/platform/httpx"
	"github.com/vitacare-hc/vitacare/internal/shared"
	"github.com/vitacare-hc/vitacare/internal/users"
)

// AdminStore is the mutation surface consumed by the handler.
type AdminStore interface {
	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, id int64, displayName, description string, isActive bool) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	AssignPermissionsToRole(ctx context.Context, roleID int64, permissionIDs []int64) error
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	AssignRoleToUser(ctx context.Context, userID, roleID int64, contextType ContextType, contextID *int64, expiresAt *time.Time) (UserRole, error)
	RevokeRole(ctx context.Context, userID, roleID int64, contextType ContextType, contextID *int64) error
}

// ResolverPort is the read surface consumed by the handler.
type ResolverPort interface {
	HasPermission(ctx context.Context, userID int64, permissionName string, contextType ContextType, contextID *int64) (bool, error)
	GetUserPermissions(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (UserPermissions, error)
	InvalidateUser(ctx context.Context, userID int64) error
	InvalidateAll(ctx context.Context) error
}

// VisibilityPort answers the manageable-users read path.
type VisibilityPort interface {
	AccessibleUsers(ctx context.Context, requestingUserID int64) ([]AccessibleUser, error)
}

// ContextChecker validates that scoped context ids reference live tenant units.
type ContextChecker interface {
	ContextExists(ctx context.Context, contextType ContextType, contextID *int64) (bool, error)
}

// MigratorPort applies the legacy level bridge for a single user.
type MigratorPort interface {
	MigrateUserFromLevel(ctx context.Context, userID int64, legacyLevel *int, contextID *int64) (MigrationResult, error)
}

// UserReader looks up user records for the migration bridge.
type UserReader interface {
	GetUser(ctx context.Context, id int64) (users.User, error)
}

// Invalidator schedules best-effort cache invalidation after a mutation
// commits. A nil userID means a global flush.
type Invalidator interface {
	EnqueueInvalidate(ctx context.Context, userID *int64) error
}

// Auditor records administrative mutations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Handler exposes the administrative JSON surface of the authorization core.
type Handler struct {
	logger      *slog.Logger
	store       AdminStore
	resolver    ResolverPort
	visibility  VisibilityPort
	tenancy     ContextChecker
	migrator    MigratorPort
	users       UserReader
	invalidator Invalidator
	audit       Auditor
	validate    *validator.Validate
	collator    *collate.Collator
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, store AdminStore, resolver ResolverPort, visibility VisibilityPort, tenancy ContextChecker, migrator MigratorPort, userReader UserReader, invalidator Invalidator, audit Auditor) *Handler {
	return &Handler{
		logger:      logger,
		store:       store,
		resolver:    resolver,
		visibility:  visibility,
		tenancy:     tenancy,
		migrator:    migrator,
		users:       userReader,
		invalidator: invalidator,
		audit:       audit,
		validate:    validator.New(),
		collator:    collate.New(language.BrazilianPortuguese),
	}
}

// Routes declares the protected route table for the admin surface. The
// guard enforces each entry; nothing here is reachable without its
// permission.
func (h *Handler) Routes() []RouteRule {
	return []RouteRule{
		{Method: http.MethodGet, Pattern: "/roles", Permission: shared.PermRolesView, Context: SystemContext(), Handler: h.listRoles},
		{Method: http.MethodPost, Pattern: "/roles", Permission: shared.PermRolesEdit, Context: SystemContext(), Handler: h.createRole},
		{Method: http.MethodPut, Pattern: "/roles/{roleID}", Permission: shared.PermRolesEdit, Context: SystemContext(), Handler: h.updateRole},
		{Method: http.MethodDelete, Pattern: "/roles/{roleID}", Permission: shared.PermRolesEdit, Context: SystemContext(), Handler: h.deleteRole},
		{Method: http.MethodPost, Pattern: "/roles/{roleID}/permissions", Permission: shared.PermRolesEdit, Context: SystemContext(), Handler: h.grantPermissions},
		{Method: http.MethodPut, Pattern: "/roles/{roleID}/permissions", Permission: shared.PermRolesEdit, Context: SystemContext(), Handler: h.replacePermissions},
		{Method: http.MethodGet, Pattern: "/permissions", Permission: shared.PermPermissionsView, Context: SystemContext(), Handler: h.listPermissions},
		{Method: http.MethodPost, Pattern: "/users/{userID}/roles", Permission: shared.PermAssignmentsEdit, Context: QueryContext(), Handler: h.assignRole},
		{Method: http.MethodDelete, Pattern: "/users/{userID}/roles/{roleID}", Permission: shared.PermAssignmentsEdit, Context: QueryContext(), Handler: h.revokeRole},
		{Method: http.MethodGet, Pattern: "/users/{userID}/permissions", Permission: shared.PermAssignmentsView, Context: QueryContext(), Handler: h.userPermissions},
		{Method: http.MethodGet, Pattern: "/users/accessible", Permission: shared.PermUsersView, Context: SystemContext(), Handler: h.accessibleUsers},
		{Method: http.MethodPost, Pattern: "/users/{userID}/migrate-level", Permission: shared.PermAssignmentsEdit, Context: SystemContext(), Handler: h.migrateLevel},
		{Method: http.MethodPost, Pattern: "/cache/invalidate", Permission: shared.PermCacheManage, Context: SystemContext(), Handler: h.invalidateCache},
	}
}

// MountRoutes registers the admin surface plus the unguarded check
// endpoint consumed by the platform's own enforcement points.
func (h *Handler) MountRoutes(r chi.Router, guard *Guard) {
	guard.MountRoutes(r, h.Routes())
	r.Post("/check", h.check)
}

type roleResponse struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	DisplayName  string      `json:"display_name"`
	Description  string      `json:"description"`
	Level        int         `json:"level"`
	ContextType  ContextType `json:"context_type"`
	IsActive     bool        `json:"is_active"`
	IsSystemRole bool        `json:"is_system_role"`
}

func toRoleResponse(role Role) roleResponse {
	return roleResponse{
		ID:           role.ID,
		Name:         role.Name,
		DisplayName:  role.DisplayName,
		Description:  role.Description,
		Level:        role.Level,
		ContextType:  role.ContextType,
		IsActive:     role.IsActive,
		IsSystemRole: role.IsSystemRole,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, "list roles", err)
		return
	}
	// Display names carry accents; sort them the way a Brazilian admin
	// screen would.
	sort.SliceStable(roles, func(i, j int) bool {
		return h.collator.CompareString(roles[i].DisplayName, roles[j].DisplayName) < 0
	})
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required"`
	DisplayName string `json:"display_name" validate:"required"`
	Description string `json:"description"`
	Level       int    `json:"level" validate:"required,min=10,max=100"`
	ContextType string `json:"context_type" validate:"required,oneof=system company establishment"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.store.CreateRole(r.Context(), RoleInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Level:       req.Level,
		ContextType: ContextType(req.ContextType),
	})
	if err != nil {
		h.respondError(w, "create role", err)
		return
	}
	h.recordAudit(r, "role.create", "role", strconv.FormatInt(role.ID, 10), map[string]any{"name": role.Name, "level": role.Level})
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	DisplayName string `json:"display_name" validate:"required"`
	Description string `json:"description"`
	IsActive    bool   `json:"is_active"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.store.UpdateRole(r.Context(), id, req.DisplayName, req.Description, req.IsActive)
	if err != nil {
		h.respondError(w, "update role", err)
		return
	}
	h.recordAudit(r, "role.update", "role", strconv.FormatInt(id, 10), nil)
	h.scheduleInvalidation(r.Context(), nil)
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	if err := h.store.DeleteRole(r.Context(), id); err != nil {
		h.respondError(w, "delete role", err)
		return
	}
	h.recordAudit(r, "role.delete", "role", strconv.FormatInt(id, 10), nil)
	h.scheduleInvalidation(r.Context(), nil)
	w.WriteHeader(http.StatusNoContent)
}

type replacePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

// grantPermissions adds permissions to a role, leaving existing grants
// untouched.
func (h *Handler) grantPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req replacePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	if _, err := h.store.GetRole(r.Context(), id); err != nil {
		h.respondError(w, "load role", err)
		return
	}
	if err := h.store.AssignPermissionsToRole(r.Context(), id, req.PermissionIDs); err != nil {
		h.respondError(w, "grant role permissions", err)
		return
	}
	h.recordAudit(r, "role.permissions.grant", "role", strconv.FormatInt(id, 10), map[string]any{"count": len(req.PermissionIDs)})
	h.scheduleInvalidation(r.Context(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) replacePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req replacePermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	if _, err := h.store.GetRole(r.Context(), id); err != nil {
		h.respondError(w, "load role", err)
		return
	}
	if err := h.store.ReplaceRolePermissions(r.Context(), id, req.PermissionIDs); err != nil {
		h.respondError(w, "replace role permissions", err)
		return
	}
	h.recordAudit(r, "role.permissions.replace", "role", strconv.FormatInt(id, 10), map[string]any{"count": len(req.PermissionIDs)})
	h.scheduleInvalidation(r.Context(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.store.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type assignRoleRequest struct {
	Role        string     `json:"role" validate:"required"`
	ContextType string     `json:"context_type" validate:"required,oneof=system company establishment"`
	ContextID   *int64     `json:"context_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	contextType := ContextType(req.ContextType)
	exists, err := h.tenancy.ContextExists(r.Context(), contextType, req.ContextID)
	if err != nil {
		h.respondError(w, "check context", err)
		return
	}
	if !exists {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "context does not reference a live tenant unit")
		return
	}
	role, err := h.store.GetRoleByName(r.Context(), req.Role)
	if err != nil {
		h.respondError(w, "load role", err)
		return
	}
	grant, err := h.store.AssignRoleToUser(r.Context(), userID, role.ID, contextType, req.ContextID, req.ExpiresAt)
	if err != nil {
		h.respondError(w, "assign role", err)
		return
	}
	h.recordAudit(r, "role.assign", "user_role", strconv.FormatInt(grant.ID, 10), map[string]any{
		"user_id": userID, "role": role.Name, "context_type": contextType, "context_id": req.ContextID,
	})
	h.scheduleInvalidation(r.Context(), &userID)
	httpx.JSON(w, http.StatusCreated, grant)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	contextType, contextID, err := QueryContext()(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid context")
		return
	}
	if err := h.store.RevokeRole(r.Context(), userID, roleID, contextType, contextID); err != nil {
		h.respondError(w, "revoke role", err)
		return
	}
	h.recordAudit(r, "role.revoke", "user_role", strconv.FormatInt(userID, 10), map[string]any{
		"role_id": roleID, "context_type": contextType, "context_id": contextID,
	})
	h.scheduleInvalidation(r.Context(), &userID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	contextType, contextID, err := QueryContext()(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid context")
		return
	}
	view, err := h.resolver.GetUserPermissions(r.Context(), userID, contextType, contextID)
	if err != nil {
		h.respondError(w, "user permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) accessibleUsers(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "")
		return
	}
	set, err := h.visibility.AccessibleUsers(r.Context(), principal.UserID)
	if err != nil {
		h.respondError(w, "accessible users", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"users": set})
}

type checkRequest struct {
	UserID      int64  `json:"user_id" validate:"required"`
	Permission  string `json:"permission" validate:"required"`
	ContextType string `json:"context_type" validate:"required"`
	ContextID   *int64 `json:"context_id"`
}

// check is the enforcement read path for the platform's guarded endpoints.
// The response is a bare boolean; denies carry no reason.
func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	allowed, err := h.resolver.HasPermission(r.Context(), req.UserID, req.Permission, ContextType(req.ContextType), req.ContextID)
	if err != nil {
		h.respondError(w, "check permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

type migrateLevelRequest struct {
	ContextID *int64 `json:"context_id"`
}

// migrateLevel bridges one user from the legacy numeric hierarchy onto a
// role grant. The level comes from the user record, not the request.
func (h *Handler) migrateLevel(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	var req migrateLevelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		h.respondError(w, "load user", err)
		return
	}
	result, err := h.migrator.MigrateUserFromLevel(r.Context(), userID, user.LegacyLevel, req.ContextID)
	if err != nil {
		h.respondError(w, "migrate level", err)
		return
	}
	h.recordAudit(r, "user.migrate_level", "user", strconv.FormatInt(userID, 10), map[string]any{"role": result.RoleName})
	h.scheduleInvalidation(r.Context(), &userID)
	httpx.JSON(w, http.StatusOK, result)
}

type invalidateRequest struct {
	UserID *int64 `json:"user_id"`
}

func (h *Handler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", "invalid json body")
		return
	}
	var err error
	if req.UserID != nil {
		err = h.resolver.InvalidateUser(r.Context(), *req.UserID)
	} else {
		err = h.resolver.InvalidateAll(r.Context())
	}
	if err != nil {
		h.respondError(w, "invalidate cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrDuplicateAssignment):
		httpx.Problem(w, http.StatusConflict, "Duplicate Assignment", err.Error())
	case errors.Is(err, ErrImmutableRole):
		httpx.Problem(w, http.StatusConflict, "Immutable Role", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error(op, slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// scheduleInvalidation enqueues the post-commit cache flush. Failure to
// enqueue is logged, not surfaced: staleness up to the TTL is accepted.
func (h *Handler) scheduleInvalidation(ctx context.Context, userID *int64) {
	if h.invalidator == nil {
		return
	}
	if err := h.invalidator.EnqueueInvalidate(ctx, userID); err != nil && h.logger != nil {
		h.logger.Warn("enqueue cache invalidation", slog.Any("error", err))
	}
}

func (h *Handler) recordAudit(r *http.Request, action, entity, entityID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	var actorID int64
	if principal := shared.PrincipalFromContext(r.Context()); principal != nil {
		actorID = principal.UserID
	}
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
	}); err != nil && h.logger != nil {
		h.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
