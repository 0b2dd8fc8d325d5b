//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/adapter/cache"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
	"github.com/smallbiznis/valora-dataholder/internal/repository/storetest"
)

func TestRedisRecordStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Fatal("REDIS_ADDR must be set for integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	storetest.Run(t, func(t *testing.T, clock *storetest.Clock) repository.RecordStore {
		prefix := "test:" + uuid.NewString() + ":"
		return cache.NewRedisRecordStore(client).WithPrefix(prefix).WithClock(clock.Now)
	})
}
