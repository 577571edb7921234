// Package app holds the broker's use cases: the order lifecycle driven by
// round-tripped order tokens, the recharge flow, the read views, and the
// vendor balance monitor. Infrastructure is reached only through the
// consumer-defined interfaces below.
package app

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/aelexs/numberbroker/internal/catalog"
	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/ordertoken"
	"github.com/aelexs/numberbroker/internal/provider"
)

var tracer = otel.Tracer("broker/app")

var (
	ordersTotal     metric.Int64Counter
	refundsTotal    metric.Int64Counter
	rechargesTotal  metric.Int64Counter
	rateLimitsTotal metric.Int64Counter
	balanceAlerts   metric.Int64Counter
)

func init() {
	m := otel.Meter("broker/app")

	ordersTotal, _ = m.Int64Counter("broker_orders_total",
		metric.WithDescription("Order lifecycle transitions by outcome"))
	refundsTotal, _ = m.Int64Counter("broker_refunds_total",
		metric.WithDescription("Refunds credited on cancellation"))
	rechargesTotal, _ = m.Int64Counter("broker_recharges_total",
		metric.WithDescription("Recharge attempts by status"))
	rateLimitsTotal, _ = m.Int64Counter("broker_rate_limits_total",
		metric.WithDescription("User actions rejected by rate limits"))
	balanceAlerts, _ = m.Int64Counter("broker_vendor_balance_alerts_total",
		metric.WithDescription("Low or unknown vendor balance alerts raised"))
}

// Registry is the part of provider.Registry the broker drives.
type Registry interface {
	Names() []string
	ListOffers(ctx context.Context, service string) []provider.Offer
	Quote(ctx context.Context, vendor, service, variant string) (provider.Offer, bool, error)
	Buy(ctx context.Context, vendor, service, variant string) (*provider.Lease, error)
	Poll(ctx context.Context, vendor, accessToken string) (provider.PollResult, error)
	Cancel(ctx context.Context, vendor, accessToken string) (bool, error)
	Balances(ctx context.Context) map[string]decimal.Decimal
}

// TokenCodec signs and verifies order tokens.
type TokenCodec interface {
	Encode(o ordertoken.Order) (string, error)
	Decode(token string) (ordertoken.Order, error)
}

// Searcher is the service catalog: exact resolution and fuzzy search.
type Searcher interface {
	Resolve(service string) (map[string]string, bool)
	Search(term string) ([]catalog.Match, bool)
}

// Rate-limited user actions.
const (
	RateActionBuy      = "buy"
	RateActionPoll     = "poll"
	RateActionRecharge = "recharge"
)

// RateLimiter counts one user action against that action's window. The
// limiter owns each action's window and its outage policy; a non-nil error
// means the action was not admitted.
type RateLimiter interface {
	Allow(ctx context.Context, action string, user domain.UserID) (bool, error)
}

// RechargeVerifier looks up a bank transfer reference. found is false when
// no successful transfer with that reference exists.
type RechargeVerifier interface {
	Verify(ctx context.Context, utr string) (amount decimal.Decimal, found bool, err error)
}

// EventPublisher emits order and recharge events for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// ReplySink carries the outcome of an asynchronous webhook update back to
// the front end that sent it. A purchase reply holds the only copy of the
// order token, so delivery must be at least once.
type ReplySink interface {
	Deliver(ctx context.Context, reply Reply) error
}

// Deduper remembers processed update IDs so a redelivered webhook runs
// once. FirstSeen returns false for an ID it has already recorded.
type Deduper interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
}

// Alerter notifies operators.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

var (
	_ Registry   = (*provider.Registry)(nil)
	_ TokenCodec = (*ordertoken.Codec)(nil)
	_ Searcher   = (*catalog.Catalog)(nil)
)
