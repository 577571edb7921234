package ledger

import (
	"context"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/domain"
)

type account struct {
	balance  decimal.Decimal
	joinedAt int64
	txns     []Transaction
}

type recharge struct {
	user   domain.UserID
	amount decimal.Decimal
}

type consumedToken struct {
	user       domain.UserID
	outcome    string
	consumedAt int64
}

// MemoryStore is an in-process ledger guarded by a single mutex. Every
// mutation is serialized globally, which is enough for local runs and for
// tests that assert on concurrent behaviour.
type MemoryStore struct {
	clock domain.Clock

	mu        sync.Mutex
	seq       int64
	accounts  map[domain.UserID]*account
	recharges map[string]recharge
	consumed  map[string]consumedToken
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(clock domain.Clock) *MemoryStore {
	return &MemoryStore{
		clock:     clock,
		accounts:  make(map[domain.UserID]*account),
		recharges: make(map[string]recharge),
		consumed:  make(map[string]consumedToken),
	}
}

// accountLocked returns the account for user, creating it at zero.
// Caller must hold s.mu.
func (s *MemoryStore) accountLocked(user domain.UserID) *account {
	acct, ok := s.accounts[user]
	if !ok {
		acct = &account{balance: decimal.Zero, joinedAt: domain.NowUTCMillis(s.clock)}
		s.accounts[user] = acct
	}
	return acct
}

// appendLocked records a transaction and moves the balance with it.
// Caller must hold s.mu.
func (s *MemoryStore) appendLocked(acct *account, user domain.UserID, detail string, amount decimal.Decimal) {
	s.seq++
	acct.txns = append(acct.txns, Transaction{
		ID:        strconv.FormatInt(s.seq, 10),
		UserID:    user,
		Detail:    detail,
		Amount:    amount,
		Timestamp: s.clock.Now().UTC(),
	})
	acct.balance = acct.balance.Add(amount)
}

// Balance returns the user's balance, creating the account at zero.
func (s *MemoryStore) Balance(_ context.Context, user domain.UserID) (decimal.Decimal, error) {
	if user.IsZero() {
		return decimal.Zero, domain.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountLocked(user).balance, nil
}

// Apply records entry atomically.
func (s *MemoryStore) Apply(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accountLocked(entry.UserID)
	if entry.RequireFunds && acct.balance.Add(entry.Amount).IsNegative() {
		return domain.ErrInsufficientFunds
	}
	if entry.Nonce != "" {
		if _, used := s.consumed[entry.Nonce]; used {
			return domain.ErrTokenConsumed
		}
		s.consumed[entry.Nonce] = consumedToken{
			user:       entry.UserID,
			outcome:    entry.Outcome,
			consumedAt: domain.NowUTCMillis(s.clock),
		}
	}

	s.appendLocked(acct, entry.UserID, entry.Detail, entry.Amount)
	return nil
}

// RecordRecharge credits amount once per utr. A replayed utr returns false
// and leaves the balance untouched.
func (s *MemoryStore) RecordRecharge(_ context.Context, user domain.UserID, utr string, amount decimal.Decimal) (bool, error) {
	if err := ValidateRecharge(user, utr, amount); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.recharges[utr]; used {
		return false, nil
	}
	s.recharges[utr] = recharge{user: user, amount: amount}
	s.appendLocked(s.accountLocked(user), user, domain.RechargeDetail, amount)
	return true, nil
}

// ConsumeToken marks nonce as consumed without moving the balance.
// Returns false and the first recorded outcome when the nonce was already
// consumed.
func (s *MemoryStore) ConsumeToken(_ context.Context, nonce string, user domain.UserID, outcome string) (bool, string, error) {
	if nonce == "" || user.IsZero() {
		return false, "", domain.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, used := s.consumed[nonce]; used {
		return false, prior.outcome, nil
	}
	s.consumed[nonce] = consumedToken{user: user, outcome: outcome, consumedAt: domain.NowUTCMillis(s.clock)}
	return true, outcome, nil
}

// History returns the user's transactions in the order they were applied.
func (s *MemoryStore) History(_ context.Context, user domain.UserID) ([]Transaction, error) {
	if user.IsZero() {
		return nil, domain.ErrEmptyUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[user]
	if !ok {
		return nil, nil
	}
	out := make([]Transaction, len(acct.txns))
	copy(out, acct.txns)
	return out, nil
}

// MostPurchased ranks the user's purchased services by frequency.
func (s *MemoryStore) MostPurchased(ctx context.Context, user domain.UserID) ([]string, error) {
	txns, err := s.History(ctx, user)
	if err != nil {
		return nil, err
	}
	return RankPurchases(txns), nil
}
