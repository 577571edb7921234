// Package providertest provides a programmable provider.Vendor for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/provider"
)

// StubVendor is a provider.Vendor whose behaviour is set through function
// fields. Nil fields fall back to "no offer", "no lease", Waiting, an
// unconfirmed cancel and an unknown balance. Every call is counted.
type StubVendor struct {
	VendorName string

	QuoteFn    func(ctx context.Context, code string) ([]provider.Offer, error)
	PurchaseFn func(ctx context.Context, code, variant string) (*provider.Lease, error)
	PollFn     func(ctx context.Context, accessToken string) (provider.PollResult, error)
	CancelFn   func(ctx context.Context, accessToken string) (bool, error)
	BalanceFn  func(ctx context.Context) (decimal.Decimal, bool)

	mu    sync.Mutex
	calls map[string]int
}

var _ provider.Vendor = (*StubVendor)(nil)

// NewStubVendor creates a StubVendor named name.
func NewStubVendor(name string) *StubVendor {
	return &StubVendor{VendorName: name}
}

func (s *StubVendor) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
}

// Calls returns how many times op ("quote", "purchase", "poll", "cancel",
// "balance") was invoked.
func (s *StubVendor) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of calls across every operation.
func (s *StubVendor) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *StubVendor) Name() string { return s.VendorName }

func (s *StubVendor) Quote(ctx context.Context, code string) ([]provider.Offer, error) {
	s.record("quote")
	if s.QuoteFn != nil {
		return s.QuoteFn(ctx, code)
	}
	return nil, nil
}

func (s *StubVendor) Purchase(ctx context.Context, code, variant string) (*provider.Lease, error) {
	s.record("purchase")
	if s.PurchaseFn != nil {
		return s.PurchaseFn(ctx, code, variant)
	}
	return nil, nil
}

func (s *StubVendor) Poll(ctx context.Context, accessToken string) (provider.PollResult, error) {
	s.record("poll")
	if s.PollFn != nil {
		return s.PollFn(ctx, accessToken)
	}
	return provider.Waiting(), nil
}

func (s *StubVendor) Cancel(ctx context.Context, accessToken string) (bool, error) {
	s.record("cancel")
	if s.CancelFn != nil {
		return s.CancelFn(ctx, accessToken)
	}
	return false, nil
}

func (s *StubVendor) Balance(ctx context.Context) (decimal.Decimal, bool) {
	s.record("balance")
	if s.BalanceFn != nil {
		return s.BalanceFn(ctx)
	}
	return decimal.Zero, false
}

// FixedOffer returns a QuoteFn that always offers one variant at cost.
func FixedOffer(vendor, variant string, cost decimal.Decimal) func(context.Context, string) ([]provider.Offer, error) {
	return func(context.Context, string) ([]provider.Offer, error) {
		return []provider.Offer{{Vendor: vendor, Variant: variant, Count: 10, Cost: cost}}, nil
	}
}

// StaticResolver resolves services from a fixed table.
type StaticResolver map[string]map[string]string

// Resolve implements provider.Resolver.
func (r StaticResolver) Resolve(service string) (map[string]string, bool) {
	codes, ok := r[service]
	return codes, ok
}
