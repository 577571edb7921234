// Package ledgertest holds a behavioural suite that every ledger.Store
// implementation runs against itself.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/ledger"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ledger.Store

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// Run exercises the ledger contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("balance of unknown user is zero", func(t *testing.T) {
		s := newStore(t)
		bal, err := s.Balance(ctx, domain.MustUserID("u-new"))
		require.NoError(t, err)
		assert.True(t, bal.IsZero(), "got %s", bal)

		hist, err := s.History(ctx, domain.MustUserID("u-new"))
		require.NoError(t, err)
		assert.Empty(t, hist)
	})

	t.Run("apply moves balance with the transaction log", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-apply")

		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "seed", Amount: amt(100)}))
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "Telegram", Amount: amt(-40)}))

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.Equal(amt(60)), "got %s", bal)

		hist, err := s.History(ctx, user)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "seed", hist[0].Detail)
		assert.Equal(t, "Telegram", hist[1].Detail)
		assert.True(t, ledger.Sum(hist).Equal(bal))
	})

	t.Run("require funds rejects overdraft without side effects", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-funds")
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "seed", Amount: amt(30)}))

		err := s.Apply(ctx, ledger.Entry{UserID: user, Detail: "Telegram", Amount: amt(-40), RequireFunds: true})
		require.ErrorIs(t, err, domain.ErrInsufficientFunds)

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.Equal(amt(30)))
		hist, err := s.History(ctx, user)
		require.NoError(t, err)
		assert.Len(t, hist, 1)
	})

	t.Run("debit to exactly zero is allowed", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-exact")
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "seed", Amount: amt(40)}))
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "Telegram", Amount: amt(-40), RequireFunds: true}))

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("invalid entries are rejected", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-invalid")
		assert.ErrorIs(t, s.Apply(ctx, ledger.Entry{Detail: "x", Amount: amt(1)}), domain.ErrEmptyUserID)
		assert.ErrorIs(t, s.Apply(ctx, ledger.Entry{UserID: user, Amount: amt(1)}), domain.ErrInvalidInput)
		assert.ErrorIs(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "x"}), domain.ErrInvalidAmount)
	})

	t.Run("nonce is consumed at most once", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-nonce")
		refund := ledger.Entry{
			UserID:  user,
			Detail:  "Telegram" + domain.CancelSuffix,
			Amount:  amt(40),
			Nonce:   "nonce-1",
			Outcome: domain.OutcomeCancelled,
		}

		require.NoError(t, s.Apply(ctx, refund))
		require.ErrorIs(t, s.Apply(ctx, refund), domain.ErrTokenConsumed)

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.Equal(amt(40)), "refund must land once, got %s", bal)
	})

	t.Run("consume token blocks later refund", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-fulfil")

		ok, recorded, err := s.ConsumeToken(ctx, "nonce-2", user, domain.OutcomeFulfilled)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.OutcomeFulfilled, recorded)

		ok, recorded, err = s.ConsumeToken(ctx, "nonce-2", user, domain.OutcomeFulfilled)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, domain.OutcomeFulfilled, recorded)

		err = s.Apply(ctx, ledger.Entry{UserID: user, Detail: "refund", Amount: amt(10), Nonce: "nonce-2", Outcome: domain.OutcomeCancelled})
		require.ErrorIs(t, err, domain.ErrTokenConsumed)

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("consume after refund reports the refund", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-refunded")

		require.NoError(t, s.Apply(ctx, ledger.Entry{
			UserID: user, Detail: "Telegram" + domain.CancelSuffix, Amount: amt(40),
			Nonce: "nonce-3", Outcome: domain.OutcomeCancelled,
		}))

		ok, recorded, err := s.ConsumeToken(ctx, "nonce-3", user, domain.OutcomeFulfilled)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, domain.OutcomeCancelled, recorded)
	})

	t.Run("recharge is idempotent per utr", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-recharge")

		ok, err := s.RecordRecharge(ctx, user, "UTR1", amt(100))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.RecordRecharge(ctx, user, "UTR1", amt(100))
		require.NoError(t, err)
		assert.False(t, ok)

		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.Equal(amt(100)))

		hist, err := s.History(ctx, user)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, domain.RechargeDetail, hist[0].Detail)
	})

	t.Run("utr is unique across users", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.RecordRecharge(ctx, domain.MustUserID("u-a"), "UTR-shared", amt(50))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.RecordRecharge(ctx, domain.MustUserID("u-b"), "UTR-shared", amt(50))
		require.NoError(t, err)
		assert.False(t, ok)

		bal, err := s.Balance(ctx, domain.MustUserID("u-b"))
		require.NoError(t, err)
		assert.True(t, bal.IsZero())
	})

	t.Run("concurrent identical utr credits once", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-race")
		const workers = 16

		var wins atomic.Int32
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.RecordRecharge(ctx, user, "UTR2", amt(100))
				if err != nil {
					errs <- err
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		assert.Equal(t, int32(1), wins.Load())
		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.Equal(amt(100)), "got %s", bal)
	})

	t.Run("concurrent guarded debits never overdraw", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-debits")
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "seed", Amount: amt(100)}))
		const workers = 10

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Apply(ctx, ledger.Entry{
					UserID:       user,
					Detail:       fmt.Sprintf("svc-%d", i),
					Amount:       amt(-30),
					RequireFunds: true,
				})
				if err == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(3), wins.Load())
		bal, err := s.Balance(ctx, user)
		require.NoError(t, err)
		assert.True(t, bal.Equal(amt(10)), "got %s", bal)

		hist, err := s.History(ctx, user)
		require.NoError(t, err)
		assert.True(t, ledger.Sum(hist).Equal(bal))
	})

	t.Run("most purchased ranks by frequency", func(t *testing.T) {
		s := newStore(t)
		user := domain.MustUserID("u-fav")
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "seed", Amount: amt(500)}))
		for _, svc := range []string{"Amazon", "Telegram", "Telegram", "Amazon", "Telegram", "Swiggy"} {
			require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: svc, Amount: amt(-10)}))
		}
		require.NoError(t, s.Apply(ctx, ledger.Entry{UserID: user, Detail: "Telegram" + domain.CancelSuffix, Amount: amt(10)}))

		got, err := s.MostPurchased(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, []string{"Telegram", "Amazon", "Swiggy"}, got)
	})
}
