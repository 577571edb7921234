package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/dynamo"
	"github.com/aelexs/numberbroker/internal/ledger"
)

// ledgerDynamoDB is a narrow, consumer-defined interface for the DynamoDB
// operations the ledger uses. The *dynamodb.Client satisfies this interface.
type ledgerDynamoDB interface {
	PutItem(ctx context.Context, params *dynamo.PutItemInput, optFns ...func(*dynamo.Options)) (*dynamo.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamo.UpdateItemInput, optFns ...func(*dynamo.Options)) (*dynamo.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamo.QueryInput, optFns ...func(*dynamo.Options)) (*dynamo.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamo.TransactWriteItemsInput, optFns ...func(*dynamo.Options)) (*dynamo.TransactWriteItemsOutput, error)
}

// Ledger table base names; DynamoLedgerConfig.TablePrefix is prepended.
const (
	accountsTable       = "ledger-accounts"
	transactionsTable   = "ledger-transactions"
	rechargesTable      = "ledger-recharges"
	consumedTokensTable = "ledger-consumed-tokens"
)

// MaxTxConflictRetries bounds how many times a transaction cancelled with
// TransactionConflict is re-sent.
const MaxTxConflictRetries = 5

const (
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"
)

var errTxConflict = errors.New("transaction conflict")

// DynamoLedgerConfig holds the dependencies for DynamoLedger.
type DynamoLedgerConfig struct {
	DB          ledgerDynamoDB
	TablePrefix string
	Clock       domain.Clock
}

var _ ledger.Store = (*DynamoLedger)(nil)

// DynamoLedger stores the ledger in four DynamoDB tables. Every balance
// mutation is a single TransactWriteItems call, so the account update, the
// transaction line and any nonce or recharge marker commit together.
type DynamoLedger struct {
	db       ledgerDynamoDB
	clock    domain.Clock
	accounts string
	txns     string
	utrs     string
	nonces   string
}

// NewDynamoLedger creates a DynamoLedger.
func NewDynamoLedger(cfg DynamoLedgerConfig) *DynamoLedger {
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &DynamoLedger{
		db:       cfg.DB,
		clock:    clock,
		accounts: cfg.TablePrefix + accountsTable,
		txns:     cfg.TablePrefix + transactionsTable,
		utrs:     cfg.TablePrefix + rechargesTable,
		nonces:   cfg.TablePrefix + consumedTokensTable,
	}
}

// Tables describes the tables the ledger needs, for dynamo.EnsureTable.
func (l *DynamoLedger) Tables() []dynamo.TableSpec {
	return []dynamo.TableSpec{
		{Name: l.accounts, HashKey: "user_id"},
		{Name: l.txns, HashKey: "user_id", RangeKey: "txn_id"},
		{Name: l.utrs, HashKey: "utr"},
		{Name: l.nonces, HashKey: "nonce"},
	}
}

// Balance returns the user's balance, creating the account at zero.
func (l *DynamoLedger) Balance(ctx context.Context, user domain.UserID) (decimal.Decimal, error) {
	if user.IsZero() {
		return decimal.Zero, domain.ErrEmptyUserID
	}

	ctx, span := tracer.Start(ctx, "dynamo.ledger.balance")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "UpdateItem"),
	)

	out, err := l.db.UpdateItem(ctx, &dynamo.UpdateItemInput{
		TableName:        dynamo.String(l.accounts),
		Key:              userKey(user),
		UpdateExpression: dynamo.String("SET balance = if_not_exists(balance, :zero), joined_at = if_not_exists(joined_at, :now)"),
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":zero": numberAttr(decimal.Zero),
			":now":  l.nowAttr(),
		},
		ReturnValues: dynamo.ReturnValueAllNew,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return decimal.Zero, fmt.Errorf("dynamo ledger: balance: %w", err)
	}
	return readNumber(out.Attributes, "balance")
}

// Apply records entry as one TransactWriteItems:
//
//	[0] account update, conditional on funds when RequireFunds is set
//	[1] transaction line put
//	[2] consumed nonce put, only when entry.Nonce is set
func (l *DynamoLedger) Apply(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	account := l.accountUpdate(entry.UserID, entry.Amount, entry.RequireFunds)
	line, err := l.transactionPut(entry.UserID, entry.Detail, entry.Amount)
	if err != nil {
		return err
	}
	items := []dynamo.TransactWriteItem{account, line}
	failures := map[int]error{0: domain.ErrInsufficientFunds}
	if entry.Nonce != "" {
		items = append(items, l.noncePut(entry.Nonce, entry.UserID, entry.Outcome))
		failures[2] = domain.ErrTokenConsumed
	}

	return l.transact(ctx, "apply", items, failures, "account_update", "transaction_put", "nonce_put")
}

// RecordRecharge credits amount once per utr as one TransactWriteItems:
//
//	[0] recharge marker put, conditional on the utr being new
//	[1] account update
//	[2] transaction line put
func (l *DynamoLedger) RecordRecharge(ctx context.Context, user domain.UserID, utr string, amount decimal.Decimal) (bool, error) {
	if err := ledger.ValidateRecharge(user, utr, amount); err != nil {
		return false, err
	}

	line, err := l.transactionPut(user, domain.RechargeDetail, amount)
	if err != nil {
		return false, err
	}
	marker := dynamo.TransactWriteItem{
		Put: &dynamo.Put{
			TableName: dynamo.String(l.utrs),
			Item: map[string]dynamo.AttributeValue{
				"utr":        &dynamo.AttributeValueMemberS{Value: utr},
				"user_id":    &dynamo.AttributeValueMemberS{Value: user.String()},
				"amount":     numberAttr(amount),
				"created_at": l.nowAttr(),
			},
			ConditionExpression: dynamo.String("attribute_not_exists(utr)"),
		},
	}

	err = l.transact(ctx, "recharge",
		[]dynamo.TransactWriteItem{marker, l.accountUpdate(user, amount, false), line},
		map[int]error{0: domain.ErrDuplicateRecharge},
		"recharge_put", "account_update", "transaction_put")
	if errors.Is(err, domain.ErrDuplicateRecharge) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ConsumeToken marks nonce as consumed without moving the balance. A
// replayed nonce fails the put condition, and the existing row comes back on
// the error so its outcome can be returned without a second read.
func (l *DynamoLedger) ConsumeToken(ctx context.Context, nonce string, user domain.UserID, outcome string) (bool, string, error) {
	if nonce == "" || user.IsZero() {
		return false, "", domain.ErrInvalidInput
	}

	ctx, span := tracer.Start(ctx, "dynamo.ledger.consume_token")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "PutItem"),
	)

	put := l.noncePut(nonce, user, outcome).Put
	_, err := l.db.PutItem(ctx, &dynamo.PutItemInput{
		TableName:                           put.TableName,
		Item:                                put.Item,
		ConditionExpression:                 put.ConditionExpression,
		ReturnValuesOnConditionCheckFailure: dynamo.ReturnOldOnConditionFailure,
	})
	if err != nil {
		if dynamo.IsConditionalCheckFailed(err) {
			var recorded string
			if item, ok := dynamo.ConditionFailedItem(err); ok {
				if s, ok := item["outcome"].(*dynamo.AttributeValueMemberS); ok {
					recorded = s.Value
				}
			}
			return false, recorded, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", fmt.Errorf("dynamo ledger: consume token: %w", err)
	}
	return true, outcome, nil
}

// transactionItem is the stored shape of a transaction line. Amount is
// written separately as a number attribute.
type transactionItem struct {
	UserID    string `dynamodbav:"user_id"`
	TxnID     string `dynamodbav:"txn_id"`
	Detail    string `dynamodbav:"detail"`
	CreatedAt int64  `dynamodbav:"created_at"`
}

// History returns the user's transactions in the order they were applied.
// Transaction IDs are UUIDv7, so the sort key order is the append order.
func (l *DynamoLedger) History(ctx context.Context, user domain.UserID) ([]ledger.Transaction, error) {
	if user.IsZero() {
		return nil, domain.ErrEmptyUserID
	}

	ctx, span := tracer.Start(ctx, "dynamo.ledger.history")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "Query"),
	)

	expr, err := dynamo.NewExpression().
		WithKeyCondition(dynamo.Key("user_id").Equal(dynamo.Value(user.String()))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo ledger: history: build expression: %w", err)
	}

	var (
		out   []ledger.Transaction
		start map[string]dynamo.AttributeValue
	)
	for {
		page, err := l.db.Query(ctx, &dynamo.QueryInput{
			TableName:                 dynamo.String(l.txns),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ScanIndexForward:          dynamo.Bool(true),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("dynamo ledger: history: %w", err)
		}

		for _, raw := range page.Items {
			var item transactionItem
			if err := dynamo.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("dynamo ledger: unmarshal transaction: %w", err)
			}
			amount, err := readNumber(raw, "amount")
			if err != nil {
				return nil, err
			}
			out = append(out, ledger.Transaction{
				ID:        item.TxnID,
				UserID:    user,
				Detail:    item.Detail,
				Amount:    amount,
				Timestamp: domain.FromMillis(item.CreatedAt),
			})
		}

		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	span.SetAttributes(attribute.Int("ledger.transactions", len(out)))
	return out, nil
}

// MostPurchased ranks the user's purchased services by frequency.
func (l *DynamoLedger) MostPurchased(ctx context.Context, user domain.UserID) ([]string, error) {
	txns, err := l.History(ctx, user)
	if err != nil {
		return nil, err
	}
	return ledger.RankPurchases(txns), nil
}

// accountUpdate adds amount to the balance, creating the account when it
// does not exist. A guarded debit is conditional on the current balance
// covering it; a missing account fails the condition.
func (l *DynamoLedger) accountUpdate(user domain.UserID, amount decimal.Decimal, requireFunds bool) dynamo.TransactWriteItem {
	update := &dynamo.Update{
		TableName:        dynamo.String(l.accounts),
		Key:              userKey(user),
		UpdateExpression: dynamo.String("SET balance = if_not_exists(balance, :zero) + :amount, joined_at = if_not_exists(joined_at, :now)"),
		ExpressionAttributeValues: map[string]dynamo.AttributeValue{
			":zero":   numberAttr(decimal.Zero),
			":amount": numberAttr(amount),
			":now":    l.nowAttr(),
		},
	}
	if requireFunds && amount.IsNegative() {
		update.ConditionExpression = dynamo.String("balance >= :need")
		update.ExpressionAttributeValues[":need"] = numberAttr(amount.Neg())
	}
	return dynamo.TransactWriteItem{Update: update}
}

func (l *DynamoLedger) transactionPut(user domain.UserID, detail string, amount decimal.Decimal) (dynamo.TransactWriteItem, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return dynamo.TransactWriteItem{}, fmt.Errorf("dynamo ledger: transaction id: %w", err)
	}
	av, err := dynamo.MarshalMap(transactionItem{
		UserID:    user.String(),
		TxnID:     id.String(),
		Detail:    detail,
		CreatedAt: domain.NowUTCMillis(l.clock),
	})
	if err != nil {
		return dynamo.TransactWriteItem{}, fmt.Errorf("dynamo ledger: marshal transaction: %w", err)
	}
	av["amount"] = numberAttr(amount)

	return dynamo.TransactWriteItem{
		Put: &dynamo.Put{
			TableName:           dynamo.String(l.txns),
			Item:                av,
			ConditionExpression: dynamo.String("attribute_not_exists(txn_id)"),
		},
	}, nil
}

func (l *DynamoLedger) noncePut(nonce string, user domain.UserID, outcome string) dynamo.TransactWriteItem {
	return dynamo.TransactWriteItem{
		Put: &dynamo.Put{
			TableName: dynamo.String(l.nonces),
			Item: map[string]dynamo.AttributeValue{
				"nonce":       &dynamo.AttributeValueMemberS{Value: nonce},
				"user_id":     &dynamo.AttributeValueMemberS{Value: user.String()},
				"outcome":     &dynamo.AttributeValueMemberS{Value: outcome},
				"consumed_at": l.nowAttr(),
			},
			ConditionExpression: dynamo.String("attribute_not_exists(nonce)"),
		},
	}
}

// transact sends items, re-sending on TransactionConflict with a short
// backoff. A ConditionalCheckFailed reason at an index in failures returns
// that sentinel.
func (l *DynamoLedger) transact(ctx context.Context, op string, items []dynamo.TransactWriteItem, failures map[int]error, itemNames ...string) error {
	ctx, span := tracer.Start(ctx, "dynamo.ledger."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "dynamodb"),
		attribute.String("db.operation", "TransactWriteItems"),
	)

	attempts := 0
	send := func() error {
		attempts++
		_, err := l.db.TransactWriteItems(ctx, &dynamo.TransactWriteItemsInput{TransactItems: items})
		if err == nil {
			return nil
		}
		txErr := classifyLedgerTxError(err, op, failures, itemNames)
		if errors.Is(txErr, errTxConflict) {
			return txErr
		}
		return backoff.Permanent(txErr)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newConflictBackOff(), MaxTxConflictRetries), ctx)
	err := backoff.Retry(send, policy)
	span.SetAttributes(attribute.Int("db.tx.attempts", attempts))
	if err != nil {
		if !domain.IsClientError(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return nil
}

// classifyLedgerTxError inspects a TransactWriteItems error. The first
// ConditionalCheckFailed reason maps to the sentinel for its index; a
// TransactionConflict reason marks the call as safe to re-send.
func classifyLedgerTxError(err error, op string, failures map[int]error, itemNames []string) error {
	reasons, ok := dynamo.IsTransactionCanceledException(err)
	if !ok {
		return fmt.Errorf("dynamo ledger: %s: %w", op, err)
	}

	conflict := false
	for i, reason := range reasons {
		switch reason {
		case reasonConditionalCheckFailed:
			name := "unknown"
			if i < len(itemNames) {
				name = itemNames[i]
			}
			if sentinel, ok := failures[i]; ok {
				return fmt.Errorf("dynamo ledger: %s: item %d (%s) condition failed: %w", op, i, name, sentinel)
			}
			return fmt.Errorf("dynamo ledger: %s: item %d (%s) condition failed: %w", op, i, name, err)
		case reasonTransactionConflict:
			conflict = true
		}
	}
	if conflict {
		return fmt.Errorf("dynamo ledger: %s: %w", op, errTxConflict)
	}
	return fmt.Errorf("dynamo ledger: %s: transaction canceled: %w", op, err)
}

func newConflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return b
}

func (l *DynamoLedger) nowAttr() dynamo.AttributeValue {
	return &dynamo.AttributeValueMemberN{Value: fmt.Sprint(domain.NowUTCMillis(l.clock))}
}

func userKey(user domain.UserID) map[string]dynamo.AttributeValue {
	return map[string]dynamo.AttributeValue{
		"user_id": &dynamo.AttributeValueMemberS{Value: user.String()},
	}
}

func numberAttr(v decimal.Decimal) dynamo.AttributeValue {
	return &dynamo.AttributeValueMemberN{Value: v.String()}
}

func readNumber(item map[string]dynamo.AttributeValue, name string) (decimal.Decimal, error) {
	n, ok := item[name].(*dynamo.AttributeValueMemberN)
	if !ok {
		return decimal.Zero, fmt.Errorf("dynamo ledger: attribute %q is not a number", name)
	}
	v, err := decimal.NewFromString(n.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("dynamo ledger: parse %q: %w", name, err)
	}
	return v, nil
}
