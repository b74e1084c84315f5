package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/cascade/runtime/toolcache"
)

func newTestCache(t *testing.T, cfg toolcache.Config) *Cache {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker not available, skipping redis cache tests: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })

	return New(Options{Client: client, Config: cfg, Prefix: "test:" + t.Name() + ":"})
}

func TestGetMissThenSetThenHit(t *testing.T) {
	cache := newTestCache(t, toolcache.Config{
		Enabled: true,
		Tools:   map[string]toolcache.Policy{"search": {Enabled: true, Key: toolcache.KeyArgsHash, TTL: time.Minute}},
	})

	_, ok := cache.Get("search", map[string]any{"q": "go"})
	require.False(t, ok)

	cache.Set("search", map[string]any{"q": "go"}, map[string]any{"result": "ok"})
	val, ok := cache.Get("search", map[string]any{"q": "go"})
	require.True(t, ok)
	require.Equal(t, "ok", val.(map[string]any)["result"])
}

func TestGetDisabledToolAlwaysMisses(t *testing.T) {
	cache := newTestCache(t, toolcache.Config{
		Enabled: true,
		Tools:   map[string]toolcache.Policy{"search": {Enabled: false}},
	})
	cache.Set("search", map[string]any{"q": "go"}, "value")
	_, ok := cache.Get("search", map[string]any{"q": "go"})
	require.False(t, ok)
}

func TestInvalidateRemovesSubscribedKeys(t *testing.T) {
	cache := newTestCache(t, toolcache.Config{
		Enabled: true,
		Tools: map[string]toolcache.Policy{
			"search": {Enabled: true, Key: toolcache.KeyArgsHash, TTL: time.Minute, InvalidateOn: []string{"reindex"}},
		},
	})
	cache.Set("search", map[string]any{"q": "go"}, "value")
	require.NoError(t, cache.Invalidate(context.Background(), "reindex"))

	_, ok := cache.Get("search", map[string]any{"q": "go"})
	require.False(t, ok)
}
