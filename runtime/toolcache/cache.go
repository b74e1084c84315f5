// Package toolcache implements the content-addressed cache described in
// spec §4.10. Ported directly from
// original_source/windlass/windlass/tool_cache.py: per-tool policy lookup,
// args_hash/query/sql_hash/custom key-variant dispatch, TTL expiry, and
// LRU eviction via an ordered map. features/cache/redis swaps the backing
// store for a Redis-native TTL implementation; this package's in-process
// implementation backs tests and single-process deployments.
package toolcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyVariant selects how a tool's cache key is derived from its arguments.
type KeyVariant string

const (
	KeyArgsHash KeyVariant = "args_hash"
	KeyQuery    KeyVariant = "query"
	KeySQLHash  KeyVariant = "sql_hash"
	KeyCustom   KeyVariant = "custom"
)

// CustomKeyFunc computes a cache key suffix for tools using KeyCustom.
type CustomKeyFunc func(args map[string]any) string

// Policy is the per-tool caching configuration.
type Policy struct {
	Enabled       bool
	Key           KeyVariant
	TTL           time.Duration
	InvalidateOn  []string
	CustomKeyFunc CustomKeyFunc // required when Key == KeyCustom
}

// Config is the cache-wide configuration: the default enabled flag, the
// size bound, and the per-tool policy table.
type Config struct {
	Enabled      bool
	MaxCacheSize int
	Tools        map[string]Policy
}

type entry struct {
	tool      string
	args      map[string]any
	result    any
	timestamp time.Time
	elem      *list.Element
}

// Stats mirrors the reference implementation's get_stats().
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	HitRate   float64
	Size      int
	MaxSize   int
}

// Interface is the contract phaserunner.Runner.ToolCache depends on. *Cache
// satisfies it for single-process deployments; features/cache/redis.Cache
// satisfies it for multi-process deployments sharing one cache.
type Interface interface {
	Get(toolName string, args map[string]any) (any, bool)
	Set(toolName string, args map[string]any, result any)
}

// Cache is the in-process content-addressed ToolCache.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	lookup map[string]*entry
	order  *list.List // front = least recently used
	stats  Stats
}

// New constructs a Cache from cfg.
func New(cfg Config) *Cache {
	return &Cache{cfg: cfg, lookup: make(map[string]*entry), order: list.New()}
}

func (c *Cache) policy(toolName string) (Policy, bool) {
	p, ok := c.cfg.Tools[toolName]
	return p, ok
}

// Get returns the cached result for (toolName, args), or (nil, false) on a
// miss, an expired entry, or when caching is disabled for this tool.
func (c *Cache) Get(toolName string, args map[string]any) (any, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	policy, ok := c.policy(toolName)
	if !ok || !policy.Enabled {
		return nil, false
	}
	key := c.key(toolName, args, policy)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if time.Since(e.timestamp) >= policy.TTL {
		c.removeLocked(key)
		c.stats.Misses++
		return nil, false
	}
	c.order.MoveToBack(e.elem)
	c.stats.Hits++
	return e.result, true
}

// Set stores result for (toolName, args) under the tool's policy,
// evicting least-recently-used entries past MaxCacheSize.
func (c *Cache) Set(toolName string, args map[string]any, result any) {
	if !c.cfg.Enabled {
		return
	}
	policy, ok := c.policy(toolName)
	if !ok || !policy.Enabled {
		return
	}
	key := c.key(toolName, args, policy)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lookup[key]; ok {
		c.order.Remove(existing.elem)
	}
	e := &entry{tool: toolName, args: args, result: result, timestamp: time.Now()}
	e.elem = c.order.PushBack(key)
	c.lookup[key] = e

	for c.cfg.MaxCacheSize > 0 && len(c.lookup) > c.cfg.MaxCacheSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(string))
		c.stats.Evictions++
	}
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.lookup[key]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.lookup, key)
}

// Invalidate drops every cached entry whose tool policy subscribes to
// event.
func (c *Cache) Invalidate(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var toRemove []string
	for key, e := range c.lookup {
		policy, ok := c.policy(e.tool)
		if !ok {
			continue
		}
		for _, ev := range policy.InvalidateOn {
			if ev == event {
				toRemove = append(toRemove, key)
				break
			}
		}
	}
	for _, key := range toRemove {
		c.removeLocked(key)
	}
}

// Clear drops all entries for toolName, or every entry if toolName is "".
func (c *Cache) Clear(toolName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if toolName == "" {
		c.lookup = make(map[string]*entry)
		c.order = list.New()
		return
	}
	var toRemove []string
	for key, e := range c.lookup {
		if e.tool == toolName {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		c.removeLocked(key)
	}
}

// Stats returns a snapshot of cache hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.lookup)
	s.MaxSize = c.cfg.MaxCacheSize
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// key dispatches to the policy's key variant, mirroring
// ToolCache._generate_key in the reference implementation exactly,
// including its fallback-to-args-hash default.
func (c *Cache) key(toolName string, args map[string]any, policy Policy) string {
	switch policy.Key {
	case KeyQuery:
		return fmt.Sprintf("%s:query:%s", toolName, hashString(fmt.Sprintf("%v", args["query"])))
	case KeySQLHash:
		return fmt.Sprintf("%s:sql:%s", toolName, hashString(fmt.Sprintf("%v", args["sql"])))
	case KeyCustom:
		if policy.CustomKeyFunc != nil {
			return fmt.Sprintf("%s:custom:%s", toolName, policy.CustomKeyFunc(args))
		}
		return fmt.Sprintf("%s:%s", toolName, hashArgs(args))
	case KeyArgsHash, "":
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
