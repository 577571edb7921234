package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/numberbroker/internal/catalog"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/ledger"
	"github.com/aelexs/numberbroker/internal/observability"
	"github.com/aelexs/numberbroker/internal/provider"
)

// BrokerConfig holds the dependencies for Broker.
type BrokerConfig struct {
	Registry Registry
	Ledger   ledger.Store
	Codec    TokenCodec
	Searcher Searcher
	Verifier RechargeVerifier

	// RateLimiter is optional; nil disables per-user action limits.
	RateLimiter RateLimiter

	// Events is optional; nil drops committed events.
	Events EventPublisher

	Clock  domain.Clock
	Logger *slog.Logger
}

// Broker is the facade the transport calls. It adds rate limits, recharge,
// catalog search and the read views on top of Lifecycle, and publishes
// committed events in the background.
type Broker struct {
	lifecycle *Lifecycle
	registry  Registry
	ledger    ledger.Store
	searcher  Searcher
	verifier  RechargeVerifier
	limiter   RateLimiter
	events    EventPublisher
	clock     domain.Clock
	logger    *slog.Logger
	bgWG      sync.WaitGroup // owns background event publishes
}

// NewBroker creates a Broker with the given dependencies.
func NewBroker(cfg BrokerConfig) *Broker {
	b := &Broker{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		searcher: cfg.Searcher,
		verifier: cfg.Verifier,
		limiter:  cfg.RateLimiter,
		events:   cfg.Events,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if b.clock == nil {
		b.clock = domain.RealClock{}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.lifecycle = NewLifecycle(LifecycleConfig{
		Registry: cfg.Registry,
		Ledger:   cfg.Ledger,
		Codec:    cfg.Codec,
		Logger:   b.logger,
		OnCommit: b.publish,
	})
	return b
}

// Wait blocks until all background publishes have finished. Call during
// shutdown before closing the event producer.
func (b *Broker) Wait() {
	b.bgWG.Wait()
}

// publish hands e to the event publisher without blocking the caller.
func (b *Broker) publish(ctx context.Context, e Event) {
	if b.events == nil {
		return
	}
	e.At = b.clock.Now().UTC()

	// Detached so a finished request does not cancel the send.
	pubCtx := context.WithoutCancel(ctx)
	b.bgWG.Add(1)
	go func() {
		defer b.bgWG.Done()
		if err := b.events.Publish(pubCtx, e); err != nil {
			b.logger.ErrorContext(pubCtx, "failed to publish event",
				slog.String("type", e.Type),
				slog.String("user", e.UserID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// allow counts action against the user's window.
func (b *Broker) allow(ctx context.Context, action string, user domain.UserID) (bool, error) {
	if b.limiter == nil {
		return true, nil
	}
	ok, err := b.limiter.Allow(ctx, action, user)
	if err != nil {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
		// A limiter denial surfaces as RateLimited through ErrorResult.
		return false, fmt.Errorf("broker: %s rate limit: %w: %w", action, domain.ErrRateLimited, err)
	}
	if !ok {
		rateLimitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
	return ok, nil
}

// Buy purchases the chosen offer.
func (b *Broker) Buy(ctx context.Context, user domain.UserID, req BuyRequest) (Result, error) {
	ok, err := b.allow(ctx, RateActionBuy, user)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Kind: RateLimited}, nil
	}
	return b.lifecycle.Buy(ctx, user, req)
}

// Poll checks an order.
func (b *Broker) Poll(ctx context.Context, user domain.UserID, token string) (Result, error) {
	ok, err := b.allow(ctx, RateActionPoll, user)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Kind: RateLimited}, nil
	}
	return b.lifecycle.Poll(ctx, user, token)
}

// Cancel cancels an order and refunds it. Not rate limited.
func (b *Broker) Cancel(ctx context.Context, user domain.UserID, token string) (Result, error) {
	return b.lifecycle.Cancel(ctx, user, token)
}

// Recharge verifies utr at the bank and credits its amount once.
func (b *Broker) Recharge(ctx context.Context, user domain.UserID, utr string) (Result, error) {
	ctx, span := tracer.Start(ctx, "broker.recharge")
	defer span.End()

	logger := observability.WithTraceID(ctx, b.logger)

	utr = strings.TrimSpace(utr)
	if utr == "" {
		return Result{}, fmt.Errorf("broker: recharge utr: %w", domain.ErrInvalidInput)
	}

	ok, err := b.allow(ctx, RateActionRecharge, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if !ok {
		return Result{Kind: RateLimited}, nil
	}

	amount, found, err := b.verifier.Verify(ctx, utr)
	if err != nil {
		rechargesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("broker: verify recharge: %w", err)
	}
	if !found {
		rechargesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", RechargeNotFound)))
		logger.InfoContext(ctx, "recharge reference not found", slog.String("user", user.String()))
		return Result{Kind: RechargeRejected, Reason: RechargeNotFound}, nil
	}

	credited, err := b.ledger.RecordRecharge(ctx, user, utr, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("broker: record recharge: %w", err)
	}
	if !credited {
		rechargesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", RechargeReplayed)))
		logger.WarnContext(ctx, "recharge reference replayed", slog.String("user", user.String()))
		return Result{Kind: RechargeRejected, Reason: RechargeReplayed}, nil
	}

	balance, err := b.ledger.Balance(ctx, user)
	if err != nil {
		return Result{}, fmt.Errorf("broker: read balance: %w", err)
	}

	rechargesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "credited")))
	b.publish(ctx, Event{Type: EventRechargeCredited, UserID: user.String(), Amount: amount})
	logger.InfoContext(ctx, "broker.recharged",
		slog.String("user", user.String()),
		slog.String("amount", amount.String()),
	)
	return Result{Kind: Recharged, Amount: amount, Balance: balance}, nil
}

// Offers lists the sellable offers for service, cheapest first. A service
// the catalog does not know yields domain.ErrUnknownService.
func (b *Broker) Offers(ctx context.Context, service string) ([]provider.Offer, error) {
	ctx, span := tracer.Start(ctx, "broker.offers")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))

	if _, ok := b.searcher.Resolve(service); !ok {
		return nil, fmt.Errorf("broker: %q: %w", service, domain.ErrUnknownService)
	}

	all := b.registry.ListOffers(ctx, service)
	out := make([]provider.Offer, 0, len(all))
	for _, o := range all {
		if provider.Sellable(o.Price) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Search finds catalog services whose names resemble term.
func (b *Broker) Search(_ context.Context, term string) ([]catalog.Match, bool) {
	return b.searcher.Search(term)
}

// Account returns the user's balance, formatted history lines and most
// purchased services.
func (b *Broker) Account(ctx context.Context, user domain.UserID) (Result, error) {
	ctx, span := tracer.Start(ctx, "broker.account")
	defer span.End()

	balance, err := b.ledger.Balance(ctx, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("broker: read balance: %w", err)
	}
	txns, err := b.ledger.History(ctx, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("broker: read history: %w", err)
	}
	favourites, err := b.ledger.MostPurchased(ctx, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("broker: read favourites: %w", err)
	}

	return Result{
		Kind:       Info,
		Balance:    balance,
		History:    HistoryLines(txns),
		Favourites: favourites,
	}, nil
}

// HistoryLines renders transactions as fixed-width "amount detail" lines.
func HistoryLines(txns []ledger.Transaction) []string {
	lines := make([]string, 0, len(txns))
	for _, t := range txns {
		lines = append(lines, fmt.Sprintf("%-4s %-10s", t.Amount.String(), t.Detail))
	}
	return lines
}

// VendorBalances reports every vendor's balance in registration order.
func (b *Broker) VendorBalances(ctx context.Context) []VendorBalance {
	balances := b.registry.Balances(ctx)
	out := make([]VendorBalance, 0, len(balances))
	for _, name := range b.registry.Names() {
		bal, ok := balances[name]
		if !ok {
			bal = provider.UnknownBalance
		}
		out = append(out, vendorBalance(name, bal))
	}
	return out
}

// ErrorResult maps an error from a broker call to a result kind where one
// fits. ok is false for errors the transport must surface itself.
func ErrorResult(err error) (Result, bool) {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		return Result{Kind: InsufficientFunds}, true
	case domain.IsTokenRejected(err):
		return Result{Kind: InvalidToken}, true
	case errors.Is(err, domain.ErrVendorUnavailable):
		return Result{Kind: VendorUnavailable}, true
	case errors.Is(err, domain.ErrRateLimited):
		return Result{Kind: RateLimited}, true
	default:
		return Result{}, false
	}
}
