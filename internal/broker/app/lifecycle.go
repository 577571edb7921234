package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/ledger"
	"github.com/aelexs/numberbroker/internal/observability"
	"github.com/aelexs/numberbroker/internal/ordertoken"
	"github.com/aelexs/numberbroker/internal/provider"
)

// minSalePrice is the lowest price Pricing can produce; a balance below it
// cannot pay for anything.
var minSalePrice = decimal.NewFromInt(1)

// BuyRequest names the offer the user picked. QuotedPrice is the price the
// user was shown; it only gates the pre-check and is never charged.
type BuyRequest struct {
	Service     string
	Vendor      string
	Variant     string
	QuotedPrice decimal.Decimal
}

// LifecycleConfig holds the dependencies for Lifecycle.
type LifecycleConfig struct {
	Registry Registry
	Ledger   ledger.Store
	Codec    TokenCodec
	Logger   *slog.Logger

	// OnCommit, when set, is called after each committed ledger change.
	OnCommit func(ctx context.Context, e Event)
}

// Lifecycle drives an order through Quoted → Purchased → Polling →
// {Fulfilled, Cancelled}. The order state lives only in the token; the
// ledger's consumed-nonce table makes the terminal transitions happen once.
type Lifecycle struct {
	registry Registry
	ledger   ledger.Store
	codec    TokenCodec
	logger   *slog.Logger
	onCommit func(ctx context.Context, e Event)
}

// NewLifecycle creates a Lifecycle with the given dependencies.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		codec:    cfg.Codec,
		logger:   logger,
		onCommit: cfg.OnCommit,
	}
}

func (l *Lifecycle) commit(ctx context.Context, typ string, o ordertoken.Order, amount decimal.Decimal) {
	if l.onCommit == nil {
		return
	}
	l.onCommit(ctx, Event{
		Type:    typ,
		UserID:  o.UserID.String(),
		Nonce:   o.Nonce,
		Vendor:  o.Vendor,
		Service: o.Service,
		Amount:  amount,
	})
}

// Buy purchases a number and debits its price. No vendor is contacted when
// the balance cannot cover the quoted price. The vendor purchase happens
// before the debit; if the guarded debit then loses a race the lease is
// released at the vendor again.
func (l *Lifecycle) Buy(ctx context.Context, user domain.UserID, req BuyRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "broker.buy")
	defer span.End()
	span.SetAttributes(
		attribute.String("vendor", req.Vendor),
		attribute.String("service", req.Service),
	)

	logger := observability.WithTraceID(ctx, l.logger)

	balance, err := l.ledger.Balance(ctx, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("buy: read balance: %w", err)
	}
	// QuotedPrice comes from the client and is only a cheap early exit. An
	// understated quote costs one vendor price lookup at most: the fresh
	// offer price is checked below and the debit itself is guarded.
	floor := decimal.Max(req.QuotedPrice, minSalePrice)
	if balance.LessThan(floor) {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "insufficient_funds")))
		return Result{Kind: InsufficientFunds, Price: req.QuotedPrice, Balance: balance}, nil
	}

	// Vendor calls are not cancelled once in flight.
	vendorCtx := context.WithoutCancel(ctx)

	offer, ok, err := l.registry.Quote(vendorCtx, req.Vendor, req.Service, req.Variant)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownVendor) || errors.Is(err, domain.ErrUnknownService) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
		logger.WarnContext(ctx, "fresh quote failed", slog.String("vendor", req.Vendor), slog.String("error", err.Error()))
		ok = false
	}
	if !ok || !provider.Sellable(offer.Price) {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "vendor_unavailable")))
		logger.ErrorContext(ctx, "no sellable offer",
			slog.String("vendor", req.Vendor),
			slog.String("service", req.Service),
			slog.String("price", offer.Price.String()),
		)
		return Result{Kind: VendorUnavailable}, nil
	}
	if balance.LessThan(offer.Price) {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "insufficient_funds")))
		return Result{Kind: InsufficientFunds, Price: offer.Price, Balance: balance}, nil
	}

	nonce, err := domain.NewOrderNonce()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("buy: %w", err)
	}

	lease, err := l.registry.Buy(vendorCtx, req.Vendor, req.Service, offer.Variant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, vendorError("buy: purchase", err)
	}
	if lease == nil {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "vendor_unavailable")))
		return Result{Kind: VendorUnavailable}, nil
	}

	order := ordertoken.Order{
		Nonce:       nonce,
		UserID:      user,
		Vendor:      lease.Vendor,
		AccessToken: lease.AccessToken,
		Phone:       lease.Phone,
		Service:     req.Service,
		Price:       offer.Price,
		Variant:     offer.Variant,
	}
	token, err := l.codec.Encode(order)
	if err != nil {
		l.releaseLease(vendorCtx, logger, order)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("buy: encode token: %w", err)
	}

	err = l.ledger.Apply(ctx, ledger.Entry{
		UserID:       user,
		Detail:       req.Service,
		Amount:       offer.Price.Neg(),
		RequireFunds: true,
	})
	if err != nil {
		l.releaseLease(vendorCtx, logger, order)
		if errors.Is(err, domain.ErrInsufficientFunds) {
			ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "insufficient_funds")))
			bal, _ := l.ledger.Balance(ctx, user)
			return Result{Kind: InsufficientFunds, Price: offer.Price, Balance: bal}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, fmt.Errorf("buy: debit: %w", err)
	}

	ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "purchased")))
	l.commit(ctx, EventOrderPurchased, order, order.Price.Neg())
	logger.InfoContext(ctx, "broker.purchased",
		slog.String("user", user.String()),
		slog.String("vendor", order.Vendor),
		slog.String("service", order.Service),
		slog.String("phone", domain.MaskPhone(order.Phone)),
		slog.String("price", order.Price.String()),
	)

	after, err := l.ledger.Balance(ctx, user)
	if err != nil {
		after = balance.Sub(order.Price)
	}
	return Result{
		Kind:    Purchased,
		Token:   token,
		Phone:   order.Phone,
		Price:   order.Price,
		Balance: after,
	}, nil
}

// releaseLease cancels a lease the user will never be billed for.
func (l *Lifecycle) releaseLease(ctx context.Context, logger *slog.Logger, o ordertoken.Order) {
	confirmed, err := l.registry.Cancel(ctx, o.Vendor, o.AccessToken)
	if err != nil || !confirmed {
		logger.ErrorContext(ctx, "failed to release unbilled lease",
			slog.String("vendor", o.Vendor),
			slog.String("phone", domain.MaskPhone(o.Phone)),
			slog.Bool("confirmed", confirmed),
		)
	}
}

// Poll checks the order's OTP status. Waiting re-issues the token with the
// attempt incremented; Code and Cancelled are terminal.
func (l *Lifecycle) Poll(ctx context.Context, user domain.UserID, token string) (Result, error) {
	ctx, span := tracer.Start(ctx, "broker.poll")
	defer span.End()

	logger := observability.WithTraceID(ctx, l.logger)

	order, ok := l.decode(ctx, logger, user, token)
	if !ok {
		return Result{Kind: InvalidToken}, nil
	}
	span.SetAttributes(
		attribute.String("vendor", order.Vendor),
		attribute.Int("attempt", order.Attempt),
	)

	status, err := l.registry.Poll(context.WithoutCancel(ctx), order.Vendor, order.AccessToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, vendorError("poll", err)
	}

	switch status.Status {
	case provider.PollCode:
		return l.fulfil(ctx, logger, order, status.Code)
	case provider.PollCancelled:
		return l.refund(ctx, logger, order)
	default:
		next, err := l.codec.Encode(order.NextAttempt())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, fmt.Errorf("poll: encode token: %w", err)
		}
		return Result{
			Kind:        PollUpdate,
			Token:       next,
			Phone:       order.Phone,
			Attempt:     order.Attempt,
			OfferCancel: order.Attempt%domain.PollCancelEvery == domain.PollCancelEvery-1,
		}, nil
	}
}

// Cancel releases the lease at the vendor and refunds the token price. A
// vendor denial is logged and the refund still happens.
func (l *Lifecycle) Cancel(ctx context.Context, user domain.UserID, token string) (Result, error) {
	ctx, span := tracer.Start(ctx, "broker.cancel")
	defer span.End()

	logger := observability.WithTraceID(ctx, l.logger)

	order, ok := l.decode(ctx, logger, user, token)
	if !ok {
		return Result{Kind: InvalidToken}, nil
	}
	span.SetAttributes(attribute.String("vendor", order.Vendor))

	confirmed, err := l.registry.Cancel(context.WithoutCancel(ctx), order.Vendor, order.AccessToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, vendorError("cancel", err)
	}
	if !confirmed {
		logger.WarnContext(ctx, "vendor denied cancellation, refunding anyway",
			slog.String("vendor", order.Vendor),
			slog.String("phone", domain.MaskPhone(order.Phone)),
		)
	}

	return l.refund(ctx, logger, order)
}

// decode verifies token and its binding to user.
func (l *Lifecycle) decode(ctx context.Context, logger *slog.Logger, user domain.UserID, token string) (ordertoken.Order, bool) {
	order, err := l.codec.Decode(token)
	if err != nil {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid_token")))
		logger.WarnContext(ctx, "rejected order token", slog.String("error", err.Error()))
		return ordertoken.Order{}, false
	}
	if order.UserID != user {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "invalid_token")))
		logger.WarnContext(ctx, "rejected order token",
			slog.String("error", domain.ErrTokenOwner.Error()),
			slog.String("user", user.String()),
		)
		return ordertoken.Order{}, false
	}
	return order, true
}

// fulfil closes the order on its first code. A later poll of an order that
// was already fulfilled hands the vendor's code out again without another
// ledger write; an order that was refunded stays closed.
func (l *Lifecycle) fulfil(ctx context.Context, logger *slog.Logger, o ordertoken.Order, otp string) (Result, error) {
	fresh, recorded, err := l.ledger.ConsumeToken(ctx, o.Nonce, o.UserID, domain.OutcomeFulfilled)
	if err != nil {
		return Result{}, fmt.Errorf("poll: consume token: %w", err)
	}
	if !fresh && recorded != domain.OutcomeFulfilled {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "already_closed")))
		return Result{Kind: AlreadyClosed}, nil
	}

	if fresh {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "fulfilled")))
		l.commit(ctx, EventOrderFulfilled, o, decimal.Zero)
		logger.InfoContext(ctx, "broker.fulfilled",
			slog.String("user", o.UserID.String()),
			slog.String("vendor", o.Vendor),
			slog.String("service", o.Service),
			slog.Int("attempts", o.Attempt+1),
		)
	} else {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "redelivered")))
		logger.InfoContext(ctx, "broker.code_redelivered",
			slog.String("user", o.UserID.String()),
			slog.String("nonce", o.Nonce),
		)
	}
	return Result{
		Kind:  Fulfilled,
		Phone: o.Phone,
		Code:  otp,
		Rebuy: rebuyOf(o),
	}, nil
}

// refund credits exactly the token price and consumes the nonce in the same
// ledger unit, so a second cancel of the same order is AlreadyClosed.
func (l *Lifecycle) refund(ctx context.Context, logger *slog.Logger, o ordertoken.Order) (Result, error) {
	err := l.ledger.Apply(ctx, ledger.Entry{
		UserID:  o.UserID,
		Detail:  o.Service + domain.CancelSuffix,
		Amount:  o.Price,
		Nonce:   o.Nonce,
		Outcome: domain.OutcomeCancelled,
	})
	if errors.Is(err, domain.ErrTokenConsumed) {
		ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "already_closed")))
		logger.InfoContext(ctx, "order already closed", slog.String("nonce", o.Nonce))
		return Result{Kind: AlreadyClosed}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("refund: %w", err)
	}

	balance, err := l.ledger.Balance(ctx, o.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("refund: read balance: %w", err)
	}

	ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cancelled")))
	refundsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("vendor", o.Vendor)))
	l.commit(ctx, EventOrderCancelled, o, o.Price)
	logger.InfoContext(ctx, "broker.refunded",
		slog.String("user", o.UserID.String()),
		slog.String("vendor", o.Vendor),
		slog.String("service", o.Service),
		slog.String("amount", o.Price.String()),
	)
	return Result{
		Kind:    Cancelled,
		Phone:   o.Phone,
		Refund:  o.Price,
		Balance: balance,
		Rebuy:   rebuyOf(o),
	}, nil
}

// vendorError marks a failed vendor call with domain.ErrVendorUnavailable.
// Registry lookups for unknown vendors or services keep their own sentinel.
func vendorError(op string, err error) error {
	if errors.Is(err, domain.ErrUnknownVendor) || errors.Is(err, domain.ErrUnknownService) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrVendorUnavailable, err)
}

func rebuyOf(o ordertoken.Order) *Rebuy {
	return &Rebuy{Service: o.Service, Vendor: o.Vendor, Variant: o.Variant}
}
