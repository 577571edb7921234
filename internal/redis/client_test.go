package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iredis "github.com/aelexs/numberbroker/internal/redis"
)

func TestClient(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := iredis.NewClient(iredis.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
	})
	t.Cleanup(func() { _ = client.Close() })

	var cmd iredis.Cmdable = client.RDB
	assert.Equal(t, 4, client.RDB.Options().PoolSize)

	t.Run("ping succeeds while the server is up", func(t *testing.T) {
		require.NoError(t, client.Ping(ctx))
	})

	t.Run("commands reach the server", func(t *testing.T) {
		require.NoError(t, cmd.Set(ctx, "ratelimit:buy:1001", 1, time.Minute).Err())
		got, err := mr.Get("ratelimit:buy:1001")
		require.NoError(t, err)
		assert.Equal(t, "1", got)
	})

	t.Run("ping names the address once the server is gone", func(t *testing.T) {
		addr := mr.Addr()
		mr.Close()

		err := client.Ping(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis ping "+addr)
	})
}
