package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/domain/domaintest"
	"github.com/aelexs/numberbroker/internal/dynamo"
	"github.com/aelexs/numberbroker/internal/ledger"
)

// ---------------------------------------------------------------------------
// Stub implementing ledgerDynamoDB for unit tests.
// ---------------------------------------------------------------------------

type stubLedgerDynamo struct {
	putItemFn            func(ctx context.Context, params *dynamo.PutItemInput) (*dynamo.PutItemOutput, error)
	updateItemFn         func(ctx context.Context, params *dynamo.UpdateItemInput) (*dynamo.UpdateItemOutput, error)
	queryFn              func(ctx context.Context, params *dynamo.QueryInput) (*dynamo.QueryOutput, error)
	transactWriteItemsFn func(ctx context.Context, params *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error)
}

func (s *stubLedgerDynamo) PutItem(ctx context.Context, params *dynamo.PutItemInput, _ ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error) {
	return s.putItemFn(ctx, params)
}

func (s *stubLedgerDynamo) UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, _ ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error) {
	return s.updateItemFn(ctx, params)
}

func (s *stubLedgerDynamo) Query(ctx context.Context, params *dynamo.QueryInput, _ ...func(*dynamo.Options)) (*dynamo.QueryOutput, error) {
	return s.queryFn(ctx, params)
}

func (s *stubLedgerDynamo) TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, _ ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error) {
	return s.transactWriteItemsFn(ctx, params)
}

var _ ledgerDynamoDB = (*stubLedgerDynamo)(nil)

var ledgerUser = domain.MustUserID("1001")

func newStubLedger(stub *stubLedgerDynamo) *DynamoLedger {
	return NewDynamoLedger(DynamoLedgerConfig{
		DB:          stub,
		TablePrefix: "test-",
		Clock:       domaintest.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)),
	})
}

func numberValue(t *testing.T, av dynamo.AttributeValue) string {
	t.Helper()
	n, ok := av.(*dynamo.AttributeValueMemberN)
	require.True(t, ok, "want number attribute, got %T", av)
	return n.Value
}

func txnAttrs(id, detail, amount string, createdAt int64) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"user_id":    &dynamo.AttributeValueMemberS{Value: "1001"},
		"txn_id":     &dynamo.AttributeValueMemberS{Value: id},
		"detail":     &dynamo.AttributeValueMemberS{Value: detail},
		"amount":     &dynamo.AttributeValueMemberN{Value: amount},
		"created_at": &dynamo.AttributeValueMemberN{Value: decimal.NewFromInt(createdAt).String()},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDynamoLedger_Tables(t *testing.T) {
	l := newStubLedger(&stubLedgerDynamo{})

	specs := l.Tables()

	require.Len(t, specs, 4)
	assert.Equal(t, dynamo.TableSpec{Name: "test-ledger-accounts", HashKey: "user_id"}, specs[0])
	assert.Equal(t, "txn_id", specs[1].RangeKey)
}

func TestDynamoLedger_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("guarded debit is conditional on funds", func(t *testing.T) {
		var sent *dynamo.TransactWriteItemsInput
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				sent = params
				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		})

		err := l.Apply(ctx, ledger.Entry{UserID: ledgerUser, Detail: "Telegram", Amount: decimal.NewFromInt(-40), RequireFunds: true})
		require.NoError(t, err)

		require.Len(t, sent.TransactItems, 2)
		update := sent.TransactItems[0].Update
		require.NotNil(t, update)
		assert.Equal(t, "test-ledger-accounts", *update.TableName)
		require.NotNil(t, update.ConditionExpression)
		assert.Equal(t, "balance >= :need", *update.ConditionExpression)
		assert.Equal(t, "40", numberValue(t, update.ExpressionAttributeValues[":need"]))
		assert.Equal(t, "-40", numberValue(t, update.ExpressionAttributeValues[":amount"]))

		put := sent.TransactItems[1].Put
		require.NotNil(t, put)
		assert.Equal(t, "test-ledger-transactions", *put.TableName)
		assert.Equal(t, "-40", numberValue(t, put.Item["amount"]))
	})

	t.Run("credit carries no funds condition", func(t *testing.T) {
		var sent *dynamo.TransactWriteItemsInput
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				sent = params
				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		})

		err := l.Apply(ctx, ledger.Entry{
			UserID:  ledgerUser,
			Detail:  "Telegram" + domain.CancelSuffix,
			Amount:  decimal.NewFromInt(40),
			Nonce:   "nonce-1",
			Outcome: domain.OutcomeCancelled,
		})
		require.NoError(t, err)

		require.Len(t, sent.TransactItems, 3)
		assert.Nil(t, sent.TransactItems[0].Update.ConditionExpression)
		nonce := sent.TransactItems[2].Put
		assert.Equal(t, "test-ledger-consumed-tokens", *nonce.TableName)
		assert.Equal(t, "attribute_not_exists(nonce)", *nonce.ConditionExpression)
	})

	t.Run("funds condition failure is insufficient funds", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("ConditionalCheckFailed", "None")
			},
		})

		err := l.Apply(ctx, ledger.Entry{UserID: ledgerUser, Detail: "Telegram", Amount: decimal.NewFromInt(-40), RequireFunds: true})

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
		assert.Contains(t, err.Error(), "account_update")
	})

	t.Run("nonce condition failure is token consumed", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("None", "None", "ConditionalCheckFailed")
			},
		})

		err := l.Apply(ctx, ledger.Entry{
			UserID: ledgerUser, Detail: "refund", Amount: decimal.NewFromInt(40),
			Nonce: "nonce-1", Outcome: domain.OutcomeCancelled,
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTokenConsumed)
		assert.Contains(t, err.Error(), "nonce_put")
	})

	t.Run("transaction conflict is re-sent", func(t *testing.T) {
		calls := 0
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				calls++
				if calls == 1 {
					return nil, dynamo.ErrTransactionCanceled("TransactionConflict", "None")
				}
				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		})

		err := l.Apply(ctx, ledger.Entry{UserID: ledgerUser, Detail: "Telegram", Amount: decimal.NewFromInt(-40)})

		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("other errors are wrapped and not retried", func(t *testing.T) {
		calls := 0
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				calls++
				return nil, errors.New("service unavailable")
			},
		})

		err := l.Apply(ctx, ledger.Entry{UserID: ledgerUser, Detail: "Telegram", Amount: decimal.NewFromInt(-40)})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "dynamo ledger: apply")
		assert.Equal(t, 1, calls)
	})

	t.Run("invalid entry never reaches dynamo", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{})

		err := l.Apply(ctx, ledger.Entry{UserID: ledgerUser, Detail: "Telegram"})

		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})
}

func TestDynamoLedger_RecordRecharge(t *testing.T) {
	ctx := context.Background()

	t.Run("new reference is credited", func(t *testing.T) {
		var sent *dynamo.TransactWriteItemsInput
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(_ context.Context, params *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				sent = params
				return &dynamo.TransactWriteItemsOutput{}, nil
			},
		})

		ok, err := l.RecordRecharge(ctx, ledgerUser, "UTR1", decimal.NewFromInt(100))
		require.NoError(t, err)
		assert.True(t, ok)

		require.Len(t, sent.TransactItems, 3)
		marker := sent.TransactItems[0].Put
		assert.Equal(t, "test-ledger-recharges", *marker.TableName)
		assert.Equal(t, "attribute_not_exists(utr)", *marker.ConditionExpression)
		line := sent.TransactItems[2].Put
		assert.Equal(t, &dynamo.AttributeValueMemberS{Value: domain.RechargeDetail}, line.Item["detail"])
	})

	t.Run("replayed reference returns false", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, dynamo.ErrTransactionCanceled("ConditionalCheckFailed", "None", "None")
			},
		})

		ok, err := l.RecordRecharge(ctx, ledgerUser, "UTR1", decimal.NewFromInt(100))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("dynamo failure is returned", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			transactWriteItemsFn: func(context.Context, *dynamo.TransactWriteItemsInput) (*dynamo.TransactWriteItemsOutput, error) {
				return nil, errors.New("throttled")
			},
		})

		_, err := l.RecordRecharge(ctx, ledgerUser, "UTR1", decimal.NewFromInt(100))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "throttled")
	})
}

func TestDynamoLedger_ConsumeToken(t *testing.T) {
	ctx := context.Background()

	t.Run("first consumption wins", func(t *testing.T) {
		var sent *dynamo.PutItemInput
		l := newStubLedger(&stubLedgerDynamo{
			putItemFn: func(_ context.Context, params *dynamo.PutItemInput) (*dynamo.PutItemOutput, error) {
				sent = params
				return &dynamo.PutItemOutput{}, nil
			},
		})

		ok, recorded, err := l.ConsumeToken(ctx, "nonce-2", ledgerUser, domain.OutcomeFulfilled)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.OutcomeFulfilled, recorded)
		assert.Equal(t, "test-ledger-consumed-tokens", *sent.TableName)
		assert.Equal(t, &dynamo.AttributeValueMemberS{Value: domain.OutcomeFulfilled}, sent.Item["outcome"])
		assert.Equal(t, dynamo.ReturnOldOnConditionFailure, sent.ReturnValuesOnConditionCheckFailure)
	})

	t.Run("already consumed returns the first outcome", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			putItemFn: func(context.Context, *dynamo.PutItemInput) (*dynamo.PutItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed(map[string]dynamo.AttributeValue{
					"nonce":   &dynamo.AttributeValueMemberS{Value: "nonce-2"},
					"outcome": &dynamo.AttributeValueMemberS{Value: domain.OutcomeCancelled},
				})
			},
		})

		ok, recorded, err := l.ConsumeToken(ctx, "nonce-2", ledgerUser, domain.OutcomeFulfilled)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, domain.OutcomeCancelled, recorded)
	})

	t.Run("already consumed without the old item has no outcome", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			putItemFn: func(context.Context, *dynamo.PutItemInput) (*dynamo.PutItemOutput, error) {
				return nil, dynamo.ErrConditionalCheckFailed()
			},
		})

		ok, recorded, err := l.ConsumeToken(ctx, "nonce-2", ledgerUser, domain.OutcomeFulfilled)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, recorded)
	})
}

func TestDynamoLedger_Balance(t *testing.T) {
	ctx := context.Background()

	t.Run("reads the updated balance", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			updateItemFn: func(_ context.Context, params *dynamo.UpdateItemInput) (*dynamo.UpdateItemOutput, error) {
				assert.Equal(t, dynamo.ReturnValueAllNew, params.ReturnValues)
				return &dynamo.UpdateItemOutput{Attributes: map[string]dynamo.AttributeValue{
					"user_id": &dynamo.AttributeValueMemberS{Value: "1001"},
					"balance": &dynamo.AttributeValueMemberN{Value: "12.5"},
				}}, nil
			},
		})

		bal, err := l.Balance(ctx, ledgerUser)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("12.5").Equal(bal))
	})

	t.Run("missing balance attribute is an error", func(t *testing.T) {
		l := newStubLedger(&stubLedgerDynamo{
			updateItemFn: func(context.Context, *dynamo.UpdateItemInput) (*dynamo.UpdateItemOutput, error) {
				return &dynamo.UpdateItemOutput{Attributes: map[string]dynamo.AttributeValue{}}, nil
			},
		})

		_, err := l.Balance(ctx, ledgerUser)
		require.Error(t, err)
	})
}

func TestDynamoLedger_History(t *testing.T) {
	ctx := context.Background()
	pages := 0
	l := newStubLedger(&stubLedgerDynamo{
		queryFn: func(_ context.Context, params *dynamo.QueryInput) (*dynamo.QueryOutput, error) {
			pages++
			assert.Equal(t, "test-ledger-transactions", *params.TableName)
			if pages == 1 {
				assert.Empty(t, params.ExclusiveStartKey)
				return &dynamo.QueryOutput{
					Items: []map[string]dynamo.AttributeValue{
						txnAttrs("01", domain.RechargeDetail, "100", 1768478400000),
						txnAttrs("02", "Telegram", "-40", 1768478401000),
					},
					LastEvaluatedKey: map[string]dynamo.AttributeValue{
						"txn_id": &dynamo.AttributeValueMemberS{Value: "02"},
					},
				}, nil
			}
			assert.NotEmpty(t, params.ExclusiveStartKey)
			return &dynamo.QueryOutput{
				Items: []map[string]dynamo.AttributeValue{
					txnAttrs("03", "Swiggy", "-14", 1768478402000),
					txnAttrs("04", "Telegram", "-40", 1768478403000),
				},
			}, nil
		},
	})

	hist, err := l.History(ctx, ledgerUser)
	require.NoError(t, err)

	require.Len(t, hist, 4)
	assert.Equal(t, 2, pages)
	assert.Equal(t, "01", hist[0].ID)
	assert.Equal(t, ledgerUser, hist[0].UserID)
	assert.Equal(t, time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), hist[0].Timestamp)
	assert.True(t, ledger.Sum(hist).Equal(decimal.NewFromInt(6)))

	pages = 0
	fav, err := l.MostPurchased(ctx, ledgerUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"Telegram", "Swiggy"}, fav)
}
