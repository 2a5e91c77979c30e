package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*PermissionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPermissionCache(16, time.Minute, client, nil), mr
}

func TestCacheSetGet(t *testing.T) {
	cache, _ := newRedisCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "u1", "org1")
	assert.False(t, ok)

	cache.Set(ctx, "u1", "org1", []string{"document.read"})
	perms, ok := cache.Get(ctx, "u1", "org1")
	require.True(t, ok)
	assert.Equal(t, []string{"document.read"}, perms)
}

func TestCacheRedisTierSurvivesLRUEviction(t *testing.T) {
	cache, _ := newRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "u1", "org1", []string{"document.read"})
	cache.lru.Purge()

	perms, ok := cache.Get(ctx, "u1", "org1")
	require.True(t, ok)
	assert.Equal(t, []string{"document.read"}, perms)
}

func TestCacheInvalidate(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "u1", "org1", []string{"document.read"})
	cache.Set(ctx, "u2", "org1", []string{"document.read"})
	cache.Invalidate(ctx, "u1", "org1")

	_, ok := cache.Get(ctx, "u1", "org1")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "u2", "org1")
	assert.True(t, ok)
	assert.False(t, mr.Exists(cacheKey("u1", "org1")))
}

func TestCacheFlush(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	cache.Set(ctx, "u1", "org1", []string{"document.read"})
	cache.Set(ctx, "u2", "org2", []string{"member.read"})
	cache.Flush(ctx)

	_, ok := cache.Get(ctx, "u1", "org1")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "u2", "org2")
	assert.False(t, ok)
	assert.False(t, mr.Exists(cacheKey("u1", "org1")))
	assert.False(t, mr.Exists(cacheKey("u2", "org2")))
}

func TestCacheWithoutRedis(t *testing.T) {
	cache := NewPermissionCache(16, time.Minute, nil, nil)
	ctx := context.Background()

	cache.Set(ctx, "u1", "org1", []string{"document.read"})
	perms, ok := cache.Get(ctx, "u1", "org1")
	require.True(t, ok)
	assert.Equal(t, []string{"document.read"}, perms)

	cache.Flush(ctx)
	_, ok = cache.Get(ctx, "u1", "org1")
	assert.False(t, ok)
}

func TestServiceUsesCacheAndInvalidatesOnMutation(t *testing.T) {
	store := newMemStore()
	cache := NewPermissionCache(16, time.Minute, nil, nil)
	svc := newTestService(t, store, WithCache(cache))
	ctx := context.Background()

	editor := mustCreateRole(t, svc, "org1", "editor", []string{"document.update"})
	require.NoError(t, svc.AssignRole(ctx, "admin-user", "u1", "org1", editor.ID))

	require.True(t, svc.HasPermission(ctx, "u1", "org1", "document.update"))

	// The cached set answers even with the store down.
	store.failReads = true
	assert.True(t, svc.HasPermission(ctx, "u1", "org1", "document.update"))
	store.failReads = false

	// Revocation invalidates, so the next check recomputes and denies.
	require.NoError(t, svc.RevokeRole(ctx, "admin-user", "u1", "org1", editor.ID))
	assert.False(t, svc.HasPermission(ctx, "u1", "org1", "document.update"))
}

func TestRoleUpdateFlushesCache(t *testing.T) {
	store := newMemStore()
	cache := NewPermissionCache(16, time.Minute, nil, nil)
	svc := newTestService(t, store, WithCache(cache))
	ctx := context.Background()

	editor := mustCreateRole(t, svc, "org1", "editor", []string{"document.update"})
	require.NoError(t, svc.AssignRole(ctx, "admin-user", "u1", "org1", editor.ID))
	require.True(t, svc.HasPermission(ctx, "u1", "org1", "document.update"))

	perms := []string{"document.read"}
	_, err := svc.UpdateRole(ctx, "admin-user", editor.ID, RoleUpdate{Permissions: &perms})
	require.NoError(t, err)

	assert.False(t, svc.HasPermission(ctx, "u1", "org1", "document.update"))
	assert.True(t, svc.HasPermission(ctx, "u1", "org1", "document.read"))
}
