package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	levels     map[string]int
	perms      map[string][]string
	roles      map[string][]Role
	levelCalls int
	permCalls  int
	err        error
}

func storeKey(userID int64, contextType ContextType, contextID *int64) string {
	return flightKey(userID, contextType, contextID)
}

func (m *mockStore) MaxActiveLevel(_ context.Context, userID int64, contextType ContextType, contextID *int64) (int, error) {
	m.levelCalls++
	if m.err != nil {
		return 0, m.err
	}
	return m.levels[storeKey(userID, contextType, contextID)], nil
}

func (m *mockStore) ActivePermissionNames(_ context.Context, userID int64, contextType ContextType, contextID *int64) ([]string, error) {
	m.permCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.perms[storeKey(userID, contextType, contextID)], nil
}

func (m *mockStore) ActiveRoles(_ context.Context, userID int64, contextType ContextType, contextID *int64) ([]Role, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.roles[storeKey(userID, contextType, contextID)], nil
}

type mockThresholds struct {
	mappings map[string]int
}

func (m *mockThresholds) MinLevel(_ context.Context, name string) (int, bool, error) {
	min, ok := m.mappings[name]
	return min, ok, nil
}

func (m *mockThresholds) All(_ context.Context) (map[string]int, error) {
	return m.mappings, nil
}

type mockUsers struct {
	admins map[int64]bool
}

func (m *mockUsers) IsSystemAdmin(_ context.Context, userID int64) (bool, error) {
	return m.admins[userID], nil
}

func newTestResolver(t *testing.T, store *mockStore, thresholds *mockThresholds, users *mockUsers) *Resolver {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute, nil)
	return NewResolver(store, thresholds, users, cache, nil)
}

func ptr(v int64) *int64 { return &v }

func TestHasPermissionSystemAdminBypass(t *testing.T) {
	store := &mockStore{}
	r := newTestResolver(t, store, &mockThresholds{}, &mockUsers{admins: map[int64]bool{1: true}})

	ok, err := r.HasPermission(context.Background(), 1, "anything.at.all", ContextSystem, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, store.levelCalls, "bypass must not touch the store")
}

func TestHasPermissionGranularBeatsLevel(t *testing.T) {
	// Level 70 is below the 80 threshold for clients.delete, but the
	// permission is attached directly to one of the user's roles.
	key := storeKey(7, ContextEstablishment, ptr(3))
	store := &mockStore{
		levels: map[string]int{key: 70},
		perms:  map[string][]string{key: {"clients.delete"}},
	}
	thresholds := &mockThresholds{mappings: map[string]int{"clients.delete": 80}}
	r := newTestResolver(t, store, thresholds, &mockUsers{})

	ok, err := r.HasPermission(context.Background(), 7, "clients.delete", ContextEstablishment, ptr(3))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasPermissionLevelThreshold(t *testing.T) {
	key := storeKey(8, ContextCompany, ptr(2))
	store := &mockStore{levels: map[string]int{key: 85}}
	thresholds := &mockThresholds{mappings: map[string]int{
		"billing.edit": 80,
		"roles.edit":   90,
	}}
	r := newTestResolver(t, store, thresholds, &mockUsers{})

	ok, err := r.HasPermission(context.Background(), 8, "billing.edit", ContextCompany, ptr(2))
	require.NoError(t, err)
	assert.True(t, ok, "level 85 clears the 80 threshold")

	ok, err = r.HasPermission(context.Background(), 8, "roles.edit", ContextCompany, ptr(2))
	require.NoError(t, err)
	assert.False(t, ok, "level 85 does not clear the 90 threshold")
}

func TestHasPermissionUnknownPermissionDenied(t *testing.T) {
	key := storeKey(9, ContextSystem, nil)
	store := &mockStore{levels: map[string]int{key: 100}}
	r := newTestResolver(t, store, &mockThresholds{}, &mockUsers{})

	ok, err := r.HasPermission(context.Background(), 9, "does.not.exist", ContextSystem, nil)
	require.NoError(t, err)
	assert.False(t, ok, "permissions absent from the threshold table deny")
}

func TestHasPermissionScopedContextNeedsID(t *testing.T) {
	store := &mockStore{}
	r := newTestResolver(t, store, &mockThresholds{}, &mockUsers{})

	ok, err := r.HasPermission(context.Background(), 5, "clients.view", ContextCompany, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.levelCalls, "a scoped check without an id never reaches the store")
}

func TestHasPermissionInvalidContextType(t *testing.T) {
	r := newTestResolver(t, &mockStore{}, &mockThresholds{}, &mockUsers{})

	ok, err := r.HasPermission(context.Background(), 5, "clients.view", ContextType("galaxy"), ptr(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPermissionContextIsolation(t *testing.T) {
	// A grant in establishment 3 must not leak into establishment 4.
	granted := storeKey(7, ContextEstablishment, ptr(3))
	store := &mockStore{
		levels: map[string]int{granted: 60},
		perms:  map[string][]string{granted: {"clients.edit"}},
	}
	thresholds := &mockThresholds{mappings: map[string]int{"clients.edit": 60}}
	r := newTestResolver(t, store, thresholds, &mockUsers{})

	ok, err := r.HasPermission(context.Background(), 7, "clients.edit", ContextEstablishment, ptr(3))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.HasPermission(context.Background(), 7, "clients.edit", ContextEstablishment, ptr(4))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasPermissionUsesCache(t *testing.T) {
	key := storeKey(7, ContextEstablishment, ptr(3))
	store := &mockStore{
		levels: map[string]int{key: 60},
		perms:  map[string][]string{key: {"clients.view"}},
	}
	r := newTestResolver(t, store, &mockThresholds{}, &mockUsers{})

	for i := 0; i < 3; i++ {
		ok, err := r.HasPermission(context.Background(), 7, "clients.view", ContextEstablishment, ptr(3))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, store.levelCalls, "repeat checks should be served from cache")
}

func TestInvalidateUserForcesReload(t *testing.T) {
	key := storeKey(7, ContextEstablishment, ptr(3))
	store := &mockStore{
		levels: map[string]int{key: 60},
		perms:  map[string][]string{key: {"clients.view"}},
	}
	r := newTestResolver(t, store, &mockThresholds{}, &mockUsers{})

	_, err := r.HasPermission(context.Background(), 7, "clients.view", ContextEstablishment, ptr(3))
	require.NoError(t, err)

	// Revoke the granular permission, then invalidate.
	store.perms[key] = nil
	require.NoError(t, r.InvalidateUser(context.Background(), 7))

	ok, err := r.HasPermission(context.Background(), 7, "clients.view", ContextEstablishment, ptr(3))
	require.NoError(t, err)
	assert.False(t, ok, "invalidation must expose the revocation")
	assert.Equal(t, 2, store.levelCalls)
}

func TestGetUserPermissions(t *testing.T) {
	key := storeKey(7, ContextEstablishment, ptr(3))
	store := &mockStore{
		levels: map[string]int{key: 60},
		perms:  map[string][]string{key: {"clients.edit"}},
		roles: map[string][]Role{key: {
			{ID: 1, Name: RoleEstablishmentAdmin, Level: 60},
		}},
	}
	thresholds := &mockThresholds{mappings: map[string]int{
		"clients.view": 10,
		"billing.edit": 80,
	}}
	r := newTestResolver(t, store, thresholds, &mockUsers{})

	got, err := r.GetUserPermissions(context.Background(), 7, ContextEstablishment, ptr(3))
	require.NoError(t, err)
	assert.False(t, got.SystemAdmin)
	assert.Equal(t, 60, got.MaxLevel)
	assert.Equal(t, []string{"clients.edit"}, got.Granular)
	assert.Equal(t, []string{"clients.view"}, got.LevelGrants, "only thresholds at or below the max level")
}
