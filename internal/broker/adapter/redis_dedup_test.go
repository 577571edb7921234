package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/broker/adapter"
	"github.com/aelexs/numberbroker/internal/domain"
)

func TestUpdateDeduper_FirstSeen(t *testing.T) {
	ctx := context.Background()

	t.Run("second delivery is not first", func(t *testing.T) {
		client, _ := newTestRedis(t)
		dd := adapter.NewUpdateDeduper(client.RDB, 0)

		first, err := dd.FirstSeen(ctx, "upd-1")
		require.NoError(t, err)
		assert.True(t, first)

		again, err := dd.FirstSeen(ctx, "upd-1")
		require.NoError(t, err)
		assert.False(t, again)
	})

	t.Run("uses the default ttl", func(t *testing.T) {
		client, mr := newTestRedis(t)
		dd := adapter.NewUpdateDeduper(client.RDB, 0)

		_, err := dd.FirstSeen(ctx, "upd-2")
		require.NoError(t, err)
		assert.Equal(t, domain.ActionDedupTTL, mr.TTL("seen_update:upd-2"))
	})

	t.Run("forgets after ttl", func(t *testing.T) {
		client, mr := newTestRedis(t)
		dd := adapter.NewUpdateDeduper(client.RDB, time.Minute)

		_, err := dd.FirstSeen(ctx, "upd-3")
		require.NoError(t, err)
		mr.FastForward(61 * time.Second)

		first, err := dd.FirstSeen(ctx, "upd-3")
		require.NoError(t, err)
		assert.True(t, first)
	})

	t.Run("empty id is invalid", func(t *testing.T) {
		client, _ := newTestRedis(t)
		dd := adapter.NewUpdateDeduper(client.RDB, 0)

		_, err := dd.FirstSeen(ctx, "")
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("redis failure is not first", func(t *testing.T) {
		client, mr := newTestRedis(t)
		dd := adapter.NewUpdateDeduper(client.RDB, 0)
		mr.Close()

		first, err := dd.FirstSeen(ctx, "upd-4")
		require.Error(t, err)
		assert.False(t, first)
	})
}
