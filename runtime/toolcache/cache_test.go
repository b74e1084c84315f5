package toolcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Enabled:      true,
		MaxCacheSize: 2,
		Tools: map[string]Policy{
			"search": {Enabled: true, Key: KeyArgsHash, TTL: time.Minute},
			"sql":    {Enabled: true, Key: KeySQLHash, TTL: time.Minute},
		},
	}
}

func TestGetMissThenSetThenHit(t *testing.T) {
	c := New(testConfig())
	_, ok := c.Get("search", map[string]any{"q": "foo"})
	require.False(t, ok)

	c.Set("search", map[string]any{"q": "foo"}, "result-1")
	v, ok := c.Get("search", map[string]any{"q": "foo"})
	require.True(t, ok)
	require.Equal(t, "result-1", v)
}

func TestArgOrderDoesNotAffectKey(t *testing.T) {
	c := New(testConfig())
	c.Set("search", map[string]any{"a": 1, "b": 2}, "r")
	v, ok := c.Get("search", map[string]any{"b": 2, "a": 1})
	require.True(t, ok)
	require.Equal(t, "r", v)
}

func TestSQLHashKeyVariant(t *testing.T) {
	c := New(testConfig())
	c.Set("sql", map[string]any{"sql": "select 1", "other": "ignored"}, "r")
	v, ok := c.Get("sql", map[string]any{"sql": "select 1", "other": "different"})
	require.True(t, ok, "sql_hash variant keys only on the sql field")
	require.Equal(t, "r", v)
}

func TestExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.Tools["search"] = Policy{Enabled: true, Key: KeyArgsHash, TTL: time.Millisecond}
	c := New(cfg)
	c.Set("search", map[string]any{"q": "foo"}, "r")
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("search", map[string]any{"q": "foo"})
	require.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c := New(testConfig()) // max size 2
	c.Set("search", map[string]any{"q": "a"}, "a")
	c.Set("search", map[string]any{"q": "b"}, "b")
	c.Set("search", map[string]any{"q": "c"}, "c")

	_, ok := c.Get("search", map[string]any{"q": "a"})
	require.False(t, ok, "oldest entry should have been evicted")
	stats := c.Stats()
	require.Equal(t, 1, stats.Evictions)
}

func TestInvalidateOnEvent(t *testing.T) {
	cfg := testConfig()
	cfg.Tools["search"] = Policy{Enabled: true, Key: KeyArgsHash, TTL: time.Minute, InvalidateOn: []string{"schema_change"}}
	c := New(cfg)
	c.Set("search", map[string]any{"q": "foo"}, "r")
	c.Invalidate("schema_change")
	_, ok := c.Get("search", map[string]any{"q": "foo"})
	require.False(t, ok)
}
