package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitacare-hc/vitacare/internal/shared"
	"github.com/vitacare-hc/vitacare/internal/users"
)

type stubAdminStore struct {
	createErr   error
	created     Role
	roles       []Role
	rolesByName map[string]Role
	updateErr   error
	deleteErr   error
	assignErr   error
	assigned    UserRole
	revokeErr   error
	perms       []Permission
	replaceErr  error

	assignedUser int64
	assignedRole int64
	assignedCtx  ContextType
}

func (s *stubAdminStore) CreateRole(_ context.Context, in RoleInput) (Role, error) {
	if s.createErr != nil {
		return Role{}, s.createErr
	}
	if s.created.ID == 0 {
		s.created = Role{ID: 100, Name: in.Name, DisplayName: in.DisplayName, Level: in.Level, ContextType: in.ContextType, IsActive: true}
	}
	return s.created, nil
}

func (s *stubAdminStore) GetRole(_ context.Context, id int64) (Role, error) {
	for _, r := range s.roles {
		if r.ID == id {
			return r, nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *stubAdminStore) GetRoleByName(_ context.Context, name string) (Role, error) {
	if r, ok := s.rolesByName[name]; ok {
		return r, nil
	}
	return Role{}, ErrNotFound
}

func (s *stubAdminStore) ListRoles(context.Context) ([]Role, error) { return s.roles, nil }

func (s *stubAdminStore) UpdateRole(_ context.Context, id int64, displayName, description string, isActive bool) (Role, error) {
	if s.updateErr != nil {
		return Role{}, s.updateErr
	}
	return Role{ID: id, DisplayName: displayName, Description: description, IsActive: isActive}, nil
}

func (s *stubAdminStore) DeleteRole(context.Context, int64) error { return s.deleteErr }

func (s *stubAdminStore) ListPermissions(context.Context) ([]Permission, error) {
	return s.perms, nil
}

func (s *stubAdminStore) AssignPermissionsToRole(context.Context, int64, []int64) error {
	return s.replaceErr
}

func (s *stubAdminStore) ReplaceRolePermissions(context.Context, int64, []int64) error {
	return s.replaceErr
}

func (s *stubAdminStore) AssignRoleToUser(_ context.Context, userID, roleID int64, contextType ContextType, contextID *int64, _ *time.Time) (UserRole, error) {
	if s.assignErr != nil {
		return UserRole{}, s.assignErr
	}
	s.assignedUser = userID
	s.assignedRole = roleID
	s.assignedCtx = contextType
	return UserRole{ID: 55, UserID: userID, RoleID: roleID, ContextType: contextType, ContextID: contextID, Status: StatusActive}, nil
}

func (s *stubAdminStore) RevokeRole(context.Context, int64, int64, ContextType, *int64) error {
	return s.revokeErr
}

type stubResolver struct {
	allow           bool
	err             error
	perms           UserPermissions
	invalidatedUser *int64
	invalidatedAll  bool
}

func (s *stubResolver) HasPermission(context.Context, int64, string, ContextType, *int64) (bool, error) {
	return s.allow, s.err
}

func (s *stubResolver) GetUserPermissions(context.Context, int64, ContextType, *int64) (UserPermissions, error) {
	return s.perms, s.err
}

func (s *stubResolver) InvalidateUser(_ context.Context, userID int64) error {
	s.invalidatedUser = &userID
	return nil
}

func (s *stubResolver) InvalidateAll(context.Context) error {
	s.invalidatedAll = true
	return nil
}

type stubVisibility struct{ set []AccessibleUser }

func (s *stubVisibility) AccessibleUsers(context.Context, int64) ([]AccessibleUser, error) {
	return s.set, nil
}

type stubTenancy struct{ exists bool }

func (s *stubTenancy) ContextExists(context.Context, ContextType, *int64) (bool, error) {
	return s.exists, nil
}

type stubMigrator struct {
	result   MigrationResult
	err      error
	gotLevel *int
}

func (s *stubMigrator) MigrateUserFromLevel(_ context.Context, _ int64, legacyLevel *int, _ *int64) (MigrationResult, error) {
	s.gotLevel = legacyLevel
	return s.result, s.err
}

type stubUserReader struct {
	users map[int64]users.User
}

func (s *stubUserReader) GetUser(_ context.Context, id int64) (users.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return users.User{}, shared.ErrNotFound
}

type stubInvalidator struct {
	calls []*int64
}

func (s *stubInvalidator) EnqueueInvalidate(_ context.Context, userID *int64) error {
	s.calls = append(s.calls, userID)
	return nil
}

type stubAuditor struct {
	logs []shared.AuditLog
}

func (s *stubAuditor) Record(_ context.Context, log shared.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

type handlerFixture struct {
	store       *stubAdminStore
	resolver    *stubResolver
	visibility  *stubVisibility
	tenancy     *stubTenancy
	migrator    *stubMigrator
	userReader  *stubUserReader
	invalidator *stubInvalidator
	auditor     *stubAuditor
	router      chi.Router
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		store:       &stubAdminStore{rolesByName: map[string]Role{}},
		resolver:    &stubResolver{allow: true},
		visibility:  &stubVisibility{},
		tenancy:     &stubTenancy{exists: true},
		migrator:    &stubMigrator{},
		userReader:  &stubUserReader{users: map[int64]users.User{}},
		invalidator: &stubInvalidator{},
		auditor:     &stubAuditor{},
	}
	h := NewHandler(nil, f.store, f.resolver, f.visibility, f.tenancy, f.migrator, f.userReader, f.invalidator, f.auditor)
	guard := NewGuard(&mockChecker{allow: true}, nil)
	f.router = chi.NewRouter()
	h.MountRoutes(f.router, guard)
	return f
}

func (f *handlerFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req = req.WithContext(shared.ContextWithPrincipal(req.Context(), &shared.Principal{UserID: 1}))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateRole(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/roles", `{"name":"coordenador","display_name":"Coordenador","level":50,"context_type":"establishment"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got roleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "coordenador", got.Name)
	assert.Equal(t, 50, got.Level)
	require.Len(t, f.auditor.logs, 1)
	assert.Equal(t, "role.create", f.auditor.logs[0].Action)
	assert.Equal(t, int64(1), f.auditor.logs[0].ActorID)
}

func TestCreateRoleValidation(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing name", `{"display_name":"X","level":50,"context_type":"system"}`},
		{"level above ceiling", `{"name":"x","display_name":"X","level":150,"context_type":"system"}`},
		{"bad context type", `{"name":"x","display_name":"X","level":50,"context_type":"galaxy"}`},
		{"not json", `{{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/roles", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.auditor.logs, "rejected requests leave no audit trail")
}

func TestUpdateImmutableRoleConflicts(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.updateErr = ErrImmutableRole

	rec := f.do(t, http.MethodPut, "/roles/1", `{"display_name":"Hacked"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAssignRole(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.rolesByName["admin_estabelecimento"] = Role{ID: 3, Name: RoleEstablishmentAdmin, ContextType: ContextEstablishment}

	rec := f.do(t, http.MethodPost, "/users/7/roles",
		`{"role":"admin_estabelecimento","context_type":"establishment","context_id":3}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(7), f.store.assignedUser)
	assert.Equal(t, int64(3), f.store.assignedRole)
	assert.Equal(t, ContextEstablishment, f.store.assignedCtx)

	require.Len(t, f.invalidator.calls, 1)
	require.NotNil(t, f.invalidator.calls[0])
	assert.Equal(t, int64(7), *f.invalidator.calls[0], "mutation schedules a per-user flush")
}

func TestAssignRoleDuplicateConflicts(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.rolesByName["admin_empresa"] = Role{ID: 2, Name: RoleCompanyAdmin}
	f.store.assignErr = ErrDuplicateAssignment

	rec := f.do(t, http.MethodPost, "/users/7/roles",
		`{"role":"admin_empresa","context_type":"company","context_id":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.invalidator.calls, "failed mutation must not flush")
}

func TestAssignRoleUnknownContext(t *testing.T) {
	f := newHandlerFixture(t)
	f.tenancy.exists = false

	rec := f.do(t, http.MethodPost, "/users/7/roles",
		`{"role":"admin_empresa","context_type":"company","context_id":999}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignRoleUnknownRole(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/users/7/roles",
		`{"role":"no_such_role","context_type":"system"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeRole(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodDelete, "/users/7/roles/3?context_type=establishment&context_id=3", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.invalidator.calls, 1)
}

func TestRevokeMissingGrant(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.revokeErr = ErrNotFound

	rec := f.do(t, http.MethodDelete, "/users/7/roles/3?context_type=establishment&context_id=3", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.resolver.allow = true

	rec := f.do(t, http.MethodPost, "/check",
		`{"user_id":7,"permission":"clients.view","context_type":"establishment","context_id":3}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got["allowed"])

	f.resolver.allow = false
	rec = f.do(t, http.MethodPost, "/check",
		`{"user_id":7,"permission":"clients.view","context_type":"establishment","context_id":3}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got["allowed"], "deny is a plain false, not an error status")
}

func TestAccessibleUsersEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	f.visibility.set = []AccessibleUser{
		{UserID: 1, AccessLevel: AccessSelf, Reason: "self"},
		{UserID: 2, AccessLevel: AccessEstablishment, Reason: "colleague"},
	}

	rec := f.do(t, http.MethodGet, "/users/accessible", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Users []AccessibleUser `json:"users"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Users, 2)
	assert.Equal(t, AccessSelf, got.Users[0].AccessLevel)
}

func TestMigrateLevelEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	level := 85
	f.userReader.users[7] = users.User{ID: 7, LegacyLevel: &level}
	f.migrator.result = MigrationResult{UserID: 7, RoleName: RoleCompanyAdmin}

	rec := f.do(t, http.MethodPost, "/users/7/migrate-level", `{"context_id":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got MigrationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, RoleCompanyAdmin, got.RoleName)
	require.NotNil(t, f.migrator.gotLevel)
	assert.Equal(t, 85, *f.migrator.gotLevel, "the stored level drives the migration, not the request")
	require.Len(t, f.invalidator.calls, 1)
}

func TestMigrateLevelUnknownUser(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/users/999/migrate-level", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrantPermissionsToRole(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.roles = []Role{{ID: 4, Name: "coordenador"}}

	rec := f.do(t, http.MethodPost, "/roles/4/permissions", `{"permission_ids":[1,2]}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.invalidator.calls, 1)
	assert.Nil(t, f.invalidator.calls[0], "permission set edits flush globally")
}

func TestInvalidateCacheEndpoint(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/cache/invalidate", `{"user_id":7}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, f.resolver.invalidatedUser)
	assert.Equal(t, int64(7), *f.resolver.invalidatedUser)

	rec = f.do(t, http.MethodPost, "/cache/invalidate", `{}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, f.resolver.invalidatedAll)
}

func TestRouteTableUsesCoreScopes(t *testing.T) {
	h := NewHandler(nil, &stubAdminStore{}, &stubResolver{}, &stubVisibility{}, &stubTenancy{}, &stubMigrator{}, &stubUserReader{}, nil, nil)

	scopes := make(map[string]bool)
	for _, s := range shared.CoreScopes() {
		scopes[s] = true
	}
	for _, rule := range h.Routes() {
		assert.Truef(t, scopes[rule.Permission], "%s %s guards with %q, which is not a core scope", rule.Method, rule.Pattern, rule.Permission)
		assert.NotNil(t, rule.Context, "%s %s has no context extractor", rule.Method, rule.Pattern)
		assert.NotNil(t, rule.Handler, "%s %s has no handler", rule.Method, rule.Pattern)
	}
}

func TestListRolesSorted(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.roles = []Role{
		{ID: 2, Name: "usuario_normal", DisplayName: "Usuário"},
		{ID: 1, Name: "admin_empresa", DisplayName: "Administrador da Empresa"},
	}

	rec := f.do(t, http.MethodGet, "/roles", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Roles []roleResponse `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Roles, 2)
	assert.Equal(t, "Administrador da Empresa", got.Roles[0].DisplayName)
}
