package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheVersionKey = "authz:version"

// DefaultCacheTTL bounds how long a resolved permission set may be served
// without consulting the store.
const DefaultCacheTTL = 300 * time.Second

// Cache memoizes resolved permission sets per (user, context). It is
// strictly derived state: a missing or broken backend degrades to direct
// resolution and never fails or grants a permission check.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache instantiates the cache. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// GetOrResolve returns the cached permission set for the key, invoking the
// loader and caching its result on miss. Backend errors fall through to the
// loader.
func (c *Cache) GetOrResolve(ctx context.Context, userID int64, contextType ContextType, contextID *int64, loader func(context.Context) (PermissionSet, error)) (PermissionSet, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key, err := c.key(ctx, userID, contextType, contextID)
	if err != nil {
		c.warn("cache key", err)
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var set PermissionSet
		if err := json.Unmarshal(payload, &set); err == nil {
			return set, nil
		}
		// Corrupt entry: fall through and overwrite.
	} else if err != redis.Nil {
		c.warn("cache get", err)
		return loader(ctx)
	}
	set, err := loader(ctx)
	if err != nil {
		return PermissionSet{}, err
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return set, nil
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.warn("cache set", err)
	}
	return set, nil
}

// Invalidate drops every cached context for one user.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.version(ctx)
	if err != nil {
		return err
	}
	pattern := fmt.Sprintf("authz:v%d:perms:%d:*", ver, userID)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// InvalidateAll drops every cached permission set by bumping the version
// embedded in the key namespace. Old entries age out via their TTL.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

func (c *Cache) key(ctx context.Context, userID int64, contextType ContextType, contextID *int64) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	ctxPart := "system"
	if contextID != nil {
		ctxPart = fmt.Sprintf("%d", *contextID)
	}
	return strings.Join([]string{
		fmt.Sprintf("authz:v%d", ver),
		"perms",
		fmt.Sprintf("%d", userID),
		string(contextType),
		ctxPart,
	}, ":"), nil
}

func (c *Cache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *Cache) warn(msg string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, slog.Any("error", err))
	}
}
