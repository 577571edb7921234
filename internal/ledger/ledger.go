// Package ledger defines the balance ledger model: append-only transactions
// that are the only way a user's balance changes, recharge references that
// may be consumed at most once, and consumed order nonces that close an
// order's lifecycle.
//
// Storage implementations live in this package (MemoryStore) and in
// internal/broker/adapter (PostgresLedger, DynamoLedger). All of them share
// the validation and ranking helpers defined here.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/domain"
)

// Transaction is one append-only ledger line. Amount is signed: purchases
// are negative, refunds and recharges positive.
type Transaction struct {
	ID        string
	UserID    domain.UserID
	Detail    string
	Amount    decimal.Decimal
	Timestamp time.Time
}

// Entry describes a balance mutation. Apply either records all of it or
// none of it.
type Entry struct {
	UserID domain.UserID
	Detail string
	Amount decimal.Decimal

	// RequireFunds rejects the entry with domain.ErrInsufficientFunds when
	// the resulting balance would be negative.
	RequireFunds bool

	// Nonce, when set, is recorded as consumed in the same atomic unit.
	// A nonce that is already consumed fails with domain.ErrTokenConsumed.
	Nonce   string
	Outcome string
}

// Validate checks the entry shape before any storage call.
func (e Entry) Validate() error {
	if e.UserID.IsZero() {
		return domain.ErrEmptyUserID
	}
	if e.Detail == "" {
		return fmt.Errorf("ledger: entry detail: %w", domain.ErrInvalidInput)
	}
	if e.Amount.IsZero() {
		return fmt.Errorf("ledger: entry amount: %w", domain.ErrInvalidAmount)
	}
	if e.Nonce != "" && e.Outcome == "" {
		return fmt.Errorf("ledger: nonce without outcome: %w", domain.ErrInvalidInput)
	}
	return nil
}

// ValidateRecharge checks recharge arguments shared by every store.
func ValidateRecharge(user domain.UserID, utr string, amount decimal.Decimal) error {
	if user.IsZero() {
		return domain.ErrEmptyUserID
	}
	if utr == "" {
		return fmt.Errorf("ledger: recharge utr: %w", domain.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: recharge amount: %w", domain.ErrInvalidAmount)
	}
	return nil
}

// RankPurchases groups debit details and orders them by count descending.
// Ties keep the order in which the detail was first purchased. txns must be
// chronological.
func RankPurchases(txns []Transaction) []string {
	counts := make(map[string]int)
	var order []string
	for _, t := range txns {
		if !t.Amount.IsNegative() {
			continue
		}
		if _, seen := counts[t.Detail]; !seen {
			order = append(order, t.Detail)
		}
		counts[t.Detail]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	return order
}

// Sum returns the total of all transaction amounts.
func Sum(txns []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txns {
		total = total.Add(t.Amount)
	}
	return total
}

// Store is the ledger contract every storage backend satisfies.
type Store interface {
	// Balance returns the user's balance, lazily creating a zero account.
	Balance(ctx context.Context, user domain.UserID) (decimal.Decimal, error)

	// Apply is the only balance mutator. The transaction append, the
	// balance update, and the optional nonce insert commit together.
	Apply(ctx context.Context, entry Entry) error

	// RecordRecharge returns false when utr was already consumed.
	RecordRecharge(ctx context.Context, user domain.UserID, utr string, amount decimal.Decimal) (bool, error)

	// ConsumeToken records a terminal nonce without touching the balance.
	// It returns true when this call consumed the nonce; otherwise false and
	// the outcome stored by whichever call consumed it first.
	ConsumeToken(ctx context.Context, nonce string, user domain.UserID, outcome string) (bool, string, error)

	History(ctx context.Context, user domain.UserID) ([]Transaction, error)
	MostPurchased(ctx context.Context, user domain.UserID) ([]string, error)
}

var _ Store = (*MemoryStore)(nil)
