package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache stores resolved permission sets per user.
//
// Every user carries a generation that moves forward on Invalidate and
// Purge. A resolution is stored only if the generation read before the
// sources were queried is still current, so a result computed from
// pre-mutation rows never lands after the mutation's invalidation.
type Cache interface {
	Get(ctx context.Context, userID int64) (Resolution, bool, error)
	Generation(ctx context.Context, userID int64) (int64, error)
	// Set stores res unless userID has been invalidated since gen was
	// read. The bool reports whether the entry was written.
	Set(ctx context.Context, userID int64, gen int64, res Resolution) (bool, error)
	Invalidate(ctx context.Context, userIDs ...int64) error
	Purge(ctx context.Context) error
}

const (
	cacheVersionKey = "rbac:effective:version"
	cacheKeyPrefix  = "rbac:effective"
	cacheGenPrefix  = "rbac:effective:gen"
)

// RedisCache keeps resolutions in Redis under a versioned key space so a
// purge is a single INCR.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// KEYS: version key, user generation key.
// ARGV: expected generation, payload, ttl in ms, key prefix, user id.
var setIfGeneration = redis.NewScript(`
local ver = tonumber(redis.call('GET', KEYS[1]) or '1')
local seq = tonumber(redis.call('GET', KEYS[2]) or '0')
if ver + seq ~= tonumber(ARGV[1]) then
  return 0
end
local key = ARGV[4] .. ':v' .. ver .. ':' .. ARGV[5]
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', key, ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', key, ARGV[2])
end
return 1
`)

func (c *RedisCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *RedisCache) key(ver, userID int64) string {
	return fmt.Sprintf("%s:v%d:%d", cacheKeyPrefix, ver, userID)
}

func (c *RedisCache) genKey(userID int64) string {
	return fmt.Sprintf("%s:%d", cacheGenPrefix, userID)
}

func (c *RedisCache) Get(ctx context.Context, userID int64) (Resolution, bool, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return Resolution{}, false, err
	}
	payload, err := c.client.Get(ctx, c.key(ver, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, err
	}
	var res Resolution
	if err := json.Unmarshal(payload, &res); err != nil {
		return Resolution{}, false, fmt.Errorf("rbac cache: decode: %w", err)
	}
	return res, true, nil
}

// Generation is the key space version plus the user's invalidation count.
// Both only grow, so any purge or invalidation changes the sum.
func (c *RedisCache) Generation(ctx context.Context, userID int64) (int64, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return 0, err
	}
	seq, err := c.client.Get(ctx, c.genKey(userID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return ver + seq, nil
}

func (c *RedisCache) Set(ctx context.Context, userID int64, gen int64, res Resolution) (bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	keys := []string{cacheVersionKey, c.genKey(userID)}
	n, err := setIfGeneration.Run(ctx, c.client, keys, gen, raw, c.ttl.Milliseconds(), cacheKeyPrefix, userID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Invalidate bumps each user's generation and drops the current entries in
// one MULTI block.
func (c *RedisCache) Invalidate(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	ver, err := c.version(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, c.key(ver, id))
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, c.genKey(id))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

func (c *RedisCache) Purge(ctx context.Context) error {
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

// MemoryCache is an in-process expiring LRU, for single-instance deployments.
type MemoryCache struct {
	lru *lru.LRU[int64, Resolution]

	mu    sync.Mutex
	epoch int64
	gens  map[int64]int64
}

// NewMemoryCache creates an LRU holding at most size users for ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{
		lru:  lru.NewLRU[int64, Resolution](size, nil, ttl),
		gens: make(map[int64]int64),
	}
}

func (c *MemoryCache) Get(_ context.Context, userID int64) (Resolution, bool, error) {
	res, ok := c.lru.Get(userID)
	return res, ok, nil
}

func (c *MemoryCache) Generation(_ context.Context, userID int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch + c.gens[userID], nil
}

func (c *MemoryCache) Set(_ context.Context, userID int64, gen int64, res Resolution) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.gens[userID] != gen {
		return false, nil
	}
	c.lru.Add(userID, res)
	return true, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, userIDs ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		c.gens[id]++
		c.lru.Remove(id)
	}
	return nil
}

func (c *MemoryCache) Purge(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Purge()
	return nil
}

// NopCache disables caching.
type NopCache struct{}

func (NopCache) Get(context.Context, int64) (Resolution, bool, error) {
	return Resolution{}, false, nil
}
func (NopCache) Generation(context.Context, int64) (int64, error)            { return 0, nil }
func (NopCache) Set(context.Context, int64, int64, Resolution) (bool, error) { return true, nil }
func (NopCache) Invalidate(context.Context, ...int64) error                  { return nil }
func (NopCache) Purge(context.Context) error                                 { return nil }

// NewCache picks a backend by name: "redis", "memory" or "none".
func NewCache(backend string, client *redis.Client, size int, ttl time.Duration) (Cache, error) {
	switch backend {
	case "redis":
		if client == nil {
			return nil, errors.New("rbac cache: redis backend needs a client")
		}
		return NewRedisCache(client, ttl), nil
	case "memory", "":
		return NewMemoryCache(size, ttl), nil
	case "none":
		return NopCache{}, nil
	}
	return nil, fmt.Errorf("rbac cache: unknown backend %q", backend)
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
