package adapter_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/aelexs/numberbroker/internal/broker/adapter"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/ledger"
)

// Validation runs before any database call, so a nil pool is never touched.
func TestPostgresLedger_RejectsBeforeQuerying(t *testing.T) {
	ctx := context.Background()
	store := adapter.NewPostgresLedger(nil, nil)
	user := domain.MustUserID("1001")

	_, err := store.Balance(ctx, domain.UserID{})
	assert.ErrorIs(t, err, domain.ErrEmptyUserID)

	assert.ErrorIs(t, store.Apply(ctx, ledger.Entry{UserID: user, Detail: "Telegram"}), domain.ErrInvalidAmount)
	assert.ErrorIs(t, store.Apply(ctx, ledger.Entry{UserID: user, Detail: "x", Amount: decimal.NewFromInt(1), Nonce: "n"}), domain.ErrInvalidInput)

	_, err = store.RecordRecharge(ctx, user, "", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = store.RecordRecharge(ctx, user, "UTR1", decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, _, err = store.ConsumeToken(ctx, "", user, domain.OutcomeFulfilled)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = store.History(ctx, domain.UserID{})
	assert.ErrorIs(t, err, domain.ErrEmptyUserID)
}
