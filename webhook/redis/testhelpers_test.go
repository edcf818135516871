//go:build integration

package redis_test

import (
	"context"
	"strings"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/marcelsud/roster-hooks/webhook/redis"
)

// startRedis runs a throwaway Redis and returns a repository over it plus a
// raw client for inspecting keys. Both are closed with the test.
func startRedis(t *testing.T, ctx context.Context) (*redis.Repository, *goredis.Client) {
	t.Helper()

	container, err := testcontainersredis.Run(ctx,
		"redis:7-alpine",
		testcontainersredis.WithLogLevel(testcontainersredis.LogLevelVerbose),
	)
	require.NoError(t, err, "failed to start Redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	})

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err, "failed to get Redis connection string")
	addr = strings.TrimPrefix(addr, "redis://")

	repo, err := redis.NewRepository(addr, "", 0)
	require.NoError(t, err, "failed to create Redis repository")
	t.Cleanup(func() { _ = repo.Close(ctx) })

	raw := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = raw.Close() })

	return repo, raw
}

func requireKey(t *testing.T, raw *goredis.Client, key string, want bool) {
	t.Helper()
	n, err := raw.Exists(context.Background(), key).Result()
	require.NoError(t, err)
	require.Equal(t, want, n > 0, "key %s", key)
}
