package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aelexs/numberbroker/internal/domain/domaintest"
	"github.com/aelexs/numberbroker/internal/ledger"
	"github.com/aelexs/numberbroker/internal/ledger/ledgertest"
)

func TestMemoryStore(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		clock := domaintest.NewTickingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)
		return ledger.NewMemoryStore(clock)
	})
}

func TestRankPurchases(t *testing.T) {
	d := decimal.NewFromInt

	t.Run("ties keep first purchase order", func(t *testing.T) {
		txns := []ledger.Transaction{
			{Detail: "B", Amount: d(-1)},
			{Detail: "A", Amount: d(-1)},
			{Detail: "C", Amount: d(-1)},
			{Detail: "A", Amount: d(-1)},
		}
		assert.Equal(t, []string{"A", "B", "C"}, ledger.RankPurchases(txns))
	})

	t.Run("credits are ignored", func(t *testing.T) {
		txns := []ledger.Transaction{
			{Detail: "Main Recharge", Amount: d(100)},
			{Detail: "A CANCELED", Amount: d(5)},
		}
		assert.Empty(t, ledger.RankPurchases(txns))
	})
}
