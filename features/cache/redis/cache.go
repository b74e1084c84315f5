// Package redis implements toolcache.Interface against Redis, letting
// multiple cascade-engine processes share one tool-result cache instead of
// each holding its own in-process LRU (runtime/toolcache). Grounded on
// internal/skills/redis_cache.go's UniversalClient/TTL/JSON-marshal
// pattern from the other_examples retrieval pack (the teacher carries no
// Redis dependency of its own); key derivation is ported unchanged from
// runtime/toolcache.Cache.key so both backends address the same logical
// entry for the same (tool, args) pair.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"goa.design/cascade/runtime/telemetry"
	"goa.design/cascade/runtime/toolcache"
)

// Cache implements toolcache.Interface against a Redis keyspace, using
// native per-key TTL expiry in place of the in-process Cache's explicit
// LRU eviction (MaxCacheSize has no Redis analogue here; bound the
// keyspace with maxmemory + an eviction policy at the Redis server
// instead).
type Cache struct {
	client redis.UniversalClient
	cfg    toolcache.Config
	prefix string
	log    telemetry.Logger
}

// Options configures the Redis-backed cache.
type Options struct {
	Client redis.UniversalClient
	Config toolcache.Config
	// Prefix namespaces keys, e.g. "cascade:toolcache:", letting several
	// cascade deployments share one Redis instance.
	Prefix string
	Log    telemetry.Logger
}

// New constructs a Cache. client must already be connected; New does not
// ping it.
func New(opts Options) *Cache {
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Cache{client: opts.Client, cfg: opts.Config, prefix: opts.Prefix, log: log}
}

func (c *Cache) policy(toolName string) (toolcache.Policy, bool) {
	p, ok := c.cfg.Tools[toolName]
	return p, ok
}

// Get implements toolcache.Interface.
func (c *Cache) Get(toolName string, args map[string]any) (any, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	policy, ok := c.policy(toolName)
	if !ok || !policy.Enabled {
		return nil, false
	}
	key := c.prefix + cacheKey(toolName, args, policy)

	val, err := c.client.Get(context.Background(), key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn(context.Background(), "redis toolcache get failed", "tool", toolName, "error", err)
		}
		return nil, false
	}
	var result any
	if err := json.Unmarshal(val, &result); err != nil {
		c.log.Warn(context.Background(), "redis toolcache decode failed", "tool", toolName, "error", err)
		return nil, false
	}
	return result, true
}

// Set implements toolcache.Interface.
func (c *Cache) Set(toolName string, args map[string]any, result any) {
	if !c.cfg.Enabled {
		return
	}
	policy, ok := c.policy(toolName)
	if !ok || !policy.Enabled {
		return
	}
	key := c.prefix + cacheKey(toolName, args, policy)

	b, err := json.Marshal(result)
	if err != nil {
		c.log.Warn(context.Background(), "redis toolcache encode failed", "tool", toolName, "error", err)
		return
	}
	if err := c.client.Set(context.Background(), key, b, policy.TTL).Err(); err != nil {
		c.log.Warn(context.Background(), "redis toolcache set failed", "tool", toolName, "error", err)
	}
}

// Invalidate scans for keys under every tool policy subscribed to event
// and deletes them. Unlike the in-process Cache, this walks the keyspace
// with SCAN rather than an in-memory index, since Redis holds no reverse
// mapping from invalidation event to key.
func (c *Cache) Invalidate(ctx context.Context, event string) error {
	for toolName, policy := range c.cfg.Tools {
		subscribed := false
		for _, ev := range policy.InvalidateOn {
			if ev == event {
				subscribed = true
				break
			}
		}
		if !subscribed {
			continue
		}
		if err := c.deleteByPattern(ctx, c.prefix+toolName+":*"); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every cached entry for toolName, or the whole prefixed
// keyspace when toolName is empty.
func (c *Cache) Clear(ctx context.Context, toolName string) error {
	pattern := c.prefix + "*"
	if toolName != "" {
		pattern = c.prefix + toolName + ":*"
	}
	return c.deleteByPattern(ctx, pattern)
}

func (c *Cache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Unlink(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// cacheKey mirrors runtime/toolcache.Cache.key's variant dispatch so both
// backends compute the same key for the same (tool, args, policy).
func cacheKey(toolName string, args map[string]any, policy toolcache.Policy) string {
	switch policy.Key {
	case toolcache.KeyQuery:
		return fmt.Sprintf("%s:query:%s", toolName, hashString(fmt.Sprintf("%v", args["query"])))
	case toolcache.KeySQLHash:
		return fmt.Sprintf("%s:sql:%s", toolName, hashString(fmt.Sprintf("%v", args["sql"])))
	case toolcache.KeyCustom:
		if policy.CustomKeyFunc != nil {
			return fmt.Sprintf("%s:custom:%s", toolName, policy.CustomKeyFunc(args))
		}
		return fmt.Sprintf("%s:%s", toolName, hashArgs(args))
	case toolcache.KeyArgsHash, "":
		fallthrough
	default:
		return fmt.Sprintf("%s:%s", toolName, hashArgs(args))
	}
}

func hashArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]any, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	b, _ := json.Marshal(ordered)
	return hashString(string(b))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
