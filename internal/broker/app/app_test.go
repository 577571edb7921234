package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aelexs/numberbroker/internal/broker/app"
	"github.com/aelexs/numberbroker/internal/catalog"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/domain/domaintest"
	"github.com/aelexs/numberbroker/internal/ledger"
	"github.com/aelexs/numberbroker/internal/ordertoken"
	"github.com/aelexs/numberbroker/internal/provider"
	"github.com/aelexs/numberbroker/internal/provider/providertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var d = decimal.RequireFromString

var testStart = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

const testMenu = `{
  "Telegram": {"fastCode": "tg", "tigerCode": "tg"},
  "Swiggy": {"fastCode": "nz"}
}`

var (
	alice = domain.MustUserID("1001")
	bob   = domain.MustUserID("1002")
)

// stubVerifier implements app.RechargeVerifier with a function field.
type stubVerifier struct {
	verifyFn func(ctx context.Context, utr string) (decimal.Decimal, bool, error)
}

func (s *stubVerifier) Verify(ctx context.Context, utr string) (decimal.Decimal, bool, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, utr)
	}
	return decimal.Zero, false, nil
}

// stubRateLimiter implements app.RateLimiter with a function field.
type stubRateLimiter struct {
	allowFn func(ctx context.Context, action string, user domain.UserID) (bool, error)
}

func (s *stubRateLimiter) Allow(ctx context.Context, action string, user domain.UserID) (bool, error) {
	if s.allowFn != nil {
		return s.allowFn(ctx, action, user)
	}
	return true, nil
}

// recordingPublisher implements app.EventPublisher and keeps every event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []app.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e app.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testHarness struct {
	broker    *app.Broker
	ledger    *ledger.MemoryStore
	codec     *ordertoken.Codec
	registry  *provider.Registry
	fast      *providertest.StubVendor
	tiger     *providertest.StubVendor
	verifier  *stubVerifier
	limiter   *stubRateLimiter
	publisher *recordingPublisher
}

// newTestHarness wires a Broker over a real Registry, MemoryStore and Codec.
// Fast sells Telegram at cost 30 (price 40) and confirms cancellations.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	clock := domaintest.NewFakeClock(testStart)
	h := &testHarness{
		ledger:    ledger.NewMemoryStore(domaintest.NewTickingClock(testStart, time.Millisecond)),
		fast:      providertest.NewStubVendor(provider.VendorFast),
		tiger:     providertest.NewStubVendor(provider.VendorTiger),
		verifier:  &stubVerifier{},
		limiter:   &stubRateLimiter{},
		publisher: &recordingPublisher{},
	}
	h.fast.QuoteFn = providertest.FixedOffer(provider.VendorFast, provider.AnyVariant, d("30"))
	h.fast.PurchaseFn = func(_ context.Context, code, _ string) (*provider.Lease, error) {
		require.Equal(t, "tg", code)
		return &provider.Lease{Phone: "919876543210", AccessToken: "act-1", Vendor: provider.VendorFast}, nil
	}
	h.fast.CancelFn = func(context.Context, string) (bool, error) { return true, nil }

	menu, err := catalog.Load(strings.NewReader(testMenu))
	require.NoError(t, err)

	h.registry, err = provider.NewRegistry(provider.RegistryConfig{
		Vendors:  []provider.Vendor{h.tiger, h.fast},
		Resolver: menu,
		Pricing:  provider.DefaultPricing(),
	})
	require.NoError(t, err)

	h.codec, err = ordertoken.NewCodec(ordertoken.CodecConfig{
		Key:    domain.SecretString("test-signing-key-at-least-32-bytes!!"),
		Issuer: "numberbroker-test",
		Clock:  clock,
	})
	require.NoError(t, err)

	h.broker = app.NewBroker(app.BrokerConfig{
		Registry:    h.registry,
		Ledger:      h.ledger,
		Codec:       h.codec,
		Searcher:    menu,
		Verifier:    h.verifier,
		RateLimiter: h.limiter,
		Events:      h.publisher,
		Clock:       clock,
	})
	t.Cleanup(h.broker.Wait)
	return h
}

// fund credits user directly through the ledger.
func (h *testHarness) fund(t *testing.T, user domain.UserID, amount string) {
	t.Helper()
	ok, err := h.ledger.RecordRecharge(context.Background(), user, "seed-"+user.String()+"-"+amount, d(amount))
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *testHarness) balance(t *testing.T, user domain.UserID) decimal.Decimal {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return bal
}

func telegramFast(quoted string) app.BuyRequest {
	return app.BuyRequest{
		Service:     "Telegram",
		Vendor:      provider.VendorFast,
		Variant:     provider.AnyVariant,
		QuotedPrice: d(quoted),
	}
}

// buy purchases Telegram from Fast and returns the order token.
func (h *testHarness) buy(t *testing.T, user domain.UserID) string {
	t.Helper()
	res, err := h.broker.Buy(context.Background(), user, telegramFast("40"))
	require.NoError(t, err)
	require.Equal(t, app.Purchased, res.Kind)
	return res.Token
}
