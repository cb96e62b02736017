package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestSuggestRoleForLevel(t *testing.T) {
	tests := []struct {
		name  string
		level *int
		want  string
	}{
		{"nil level lands on guest", nil, RoleGuest},
		{"90 is super admin", intPtr(90), RoleSuperAdmin},
		{"100 is super admin", intPtr(100), RoleSuperAdmin},
		{"89 is company admin", intPtr(89), RoleCompanyAdmin},
		{"80 is company admin", intPtr(80), RoleCompanyAdmin},
		{"79 is establishment admin", intPtr(79), RoleEstablishmentAdmin},
		{"60 is establishment admin", intPtr(60), RoleEstablishmentAdmin},
		{"59 is regular user", intPtr(59), RoleRegularUser},
		{"zero is regular user", intPtr(0), RoleRegularUser},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SuggestRoleForLevel(tc.level))
		})
	}
}

type mockMigratorStore struct {
	roles     map[string]Role
	assignErr error

	assignedRole int64
	assignedCtx  ContextType
	assignedID   *int64
}

func (m *mockMigratorStore) GetRoleByName(_ context.Context, name string) (Role, error) {
	if r, ok := m.roles[name]; ok {
		return r, nil
	}
	return Role{}, ErrNotFound
}

func (m *mockMigratorStore) AssignRoleToUser(_ context.Context, userID, roleID int64, contextType ContextType, contextID *int64, _ *time.Time) (UserRole, error) {
	if m.assignErr != nil {
		return UserRole{}, m.assignErr
	}
	m.assignedRole = roleID
	m.assignedCtx = contextType
	m.assignedID = contextID
	return UserRole{ID: 1, UserID: userID, RoleID: roleID, ContextType: contextType, ContextID: contextID, Status: StatusActive}, nil
}

func migratorRoles() map[string]Role {
	return map[string]Role{
		RoleSuperAdmin:         {ID: 1, Name: RoleSuperAdmin, ContextType: ContextSystem, Level: 100},
		RoleCompanyAdmin:       {ID: 2, Name: RoleCompanyAdmin, ContextType: ContextCompany, Level: 80},
		RoleEstablishmentAdmin: {ID: 3, Name: RoleEstablishmentAdmin, ContextType: ContextEstablishment, Level: 60},
		RoleRegularUser:        {ID: 4, Name: RoleRegularUser, ContextType: ContextEstablishment, Level: 40},
		RoleGuest:              {ID: 5, Name: RoleGuest, ContextType: ContextEstablishment, Level: 10},
	}
}

func TestMigrateUserFromLevel(t *testing.T) {
	store := &mockMigratorStore{roles: migratorRoles()}
	m := NewMigrator(store, nil)
	ctxID := int64(7)

	res, err := m.MigrateUserFromLevel(context.Background(), 42, intPtr(85), &ctxID)
	require.NoError(t, err)
	assert.Equal(t, RoleCompanyAdmin, res.RoleName)
	assert.False(t, res.AlreadyAssigned)
	assert.Equal(t, int64(2), store.assignedRole)
	assert.Equal(t, ContextCompany, store.assignedCtx)
	require.NotNil(t, store.assignedID)
	assert.Equal(t, ctxID, *store.assignedID)
}

func TestMigrateSystemRoleDropsContextID(t *testing.T) {
	store := &mockMigratorStore{roles: migratorRoles()}
	m := NewMigrator(store, nil)
	ctxID := int64(7)

	res, err := m.MigrateUserFromLevel(context.Background(), 42, intPtr(95), &ctxID)
	require.NoError(t, err)
	assert.Equal(t, RoleSuperAdmin, res.RoleName)
	assert.Equal(t, ContextSystem, store.assignedCtx)
	assert.Nil(t, store.assignedID, "system grants never carry a context id")
}

func TestMigrateScopedRoleRequiresContextID(t *testing.T) {
	m := NewMigrator(&mockMigratorStore{roles: migratorRoles()}, nil)

	_, err := m.MigrateUserFromLevel(context.Background(), 42, intPtr(70), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMigrateDuplicateCountsAsMigrated(t *testing.T) {
	store := &mockMigratorStore{roles: migratorRoles(), assignErr: ErrDuplicateAssignment}
	m := NewMigrator(store, nil)
	ctxID := int64(7)

	res, err := m.MigrateUserFromLevel(context.Background(), 42, intPtr(85), &ctxID)
	require.NoError(t, err, "re-running the batch must be harmless")
	assert.True(t, res.AlreadyAssigned)
	assert.Equal(t, RoleCompanyAdmin, res.RoleName)
}

func TestMigrateNilLevelAssignsGuest(t *testing.T) {
	store := &mockMigratorStore{roles: migratorRoles()}
	m := NewMigrator(store, nil)
	ctxID := int64(7)

	res, err := m.MigrateUserFromLevel(context.Background(), 42, nil, &ctxID)
	require.NoError(t, err)
	assert.Equal(t, RoleGuest, res.RoleName)
	assert.Equal(t, int64(5), store.assignedRole)
}
