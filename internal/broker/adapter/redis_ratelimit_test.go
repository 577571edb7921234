package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/broker/adapter"
	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/domain"
	redisclient "github.com/aelexs/numberbroker/internal/redis"
)

func newTestRedis(t *testing.T) (*redisclient.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redisclient.NewClient(redisclient.Config{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client, mr
}

var (
	rateUser  = domain.MustUserID("1001")
	otherUser = domain.MustUserID("1002")
)

func newTestLimiter(client *redisclient.Client) *adapter.RateLimiter {
	return adapter.NewRateLimiter(adapter.RateLimiterConfig{
		Cmd: client.RDB,
		Limits: map[string]adapter.ActionLimit{
			app.RateActionBuy:      {Max: 3, Window: time.Minute},
			app.RateActionPoll:     {Max: 1, Window: time.Minute, FailOpen: true},
			app.RateActionRecharge: {Max: 5, Window: 15 * time.Minute},
		},
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("allows exactly up to the limit", func(t *testing.T) {
		client, _ := newTestRedis(t)
		rl := newTestLimiter(client)

		for i := 0; i < 3; i++ {
			allowed, err := rl.Allow(ctx, app.RateActionBuy, rateUser)
			require.NoError(t, err)
			assert.True(t, allowed, "request %d should be allowed", i+1)
		}

		allowed, err := rl.Allow(ctx, app.RateActionBuy, rateUser)
		require.NoError(t, err)
		assert.False(t, allowed, "request beyond limit should be rejected")
	})

	t.Run("window is fixed from the first action", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rl := newTestLimiter(client)

		_, err := rl.Allow(ctx, app.RateActionRecharge, rateUser)
		require.NoError(t, err)
		assert.Equal(t, 15*time.Minute, mr.TTL("ratelimit:recharge:1001"))

		mr.FastForward(100 * time.Second)
		_, err = rl.Allow(ctx, app.RateActionRecharge, rateUser)
		require.NoError(t, err)
		assert.Equal(t, 800*time.Second, mr.TTL("ratelimit:recharge:1001"))
	})

	t.Run("counter resets after window expires", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rl := newTestLimiter(client)

		_, err := rl.Allow(ctx, app.RateActionPoll, rateUser)
		require.NoError(t, err)
		allowed, err := rl.Allow(ctx, app.RateActionPoll, rateUser)
		require.NoError(t, err)
		assert.False(t, allowed)

		mr.FastForward(61 * time.Second)

		allowed, err = rl.Allow(ctx, app.RateActionPoll, rateUser)
		require.NoError(t, err)
		assert.True(t, allowed, "first request in new window should be allowed")
	})

	t.Run("users and actions count separately", func(t *testing.T) {
		client, _ := newTestRedis(t)
		rl := newTestLimiter(client)

		_, err := rl.Allow(ctx, app.RateActionPoll, rateUser)
		require.NoError(t, err)

		allowed, err := rl.Allow(ctx, app.RateActionPoll, otherUser)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = rl.Allow(ctx, app.RateActionBuy, rateUser)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("unconfigured action is unlimited and never reaches redis", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rl := newTestLimiter(client)
		mr.Close()

		allowed, err := rl.Allow(ctx, "cancel", rateUser)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("redis failure denies a fail-closed action", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rl := newTestLimiter(client)
		mr.Close()

		allowed, err := rl.Allow(ctx, app.RateActionBuy, rateUser)
		require.Error(t, err)
		assert.False(t, allowed)
		assert.Contains(t, err.Error(), "rate limit check buy")
	})

	t.Run("redis failure admits a fail-open action", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rl := newTestLimiter(client)
		mr.Close()

		allowed, err := rl.Allow(ctx, app.RateActionPoll, rateUser)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}
