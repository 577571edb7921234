package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/numberbroker/internal/domain"
)

const (
	fiveSimBaseURL = "https://5sim.net/v1"
	fiveSimCountry = "india"
	// fiveSimAnyOperator lets 5Sim choose the operator.
	fiveSimAnyOperator = "any"
)

// FiveSim implements Vendor over the 5sim.net REST API. Offers are one per
// operator; the operator is the offer variant.
type FiveSim struct {
	baseURL string
	apiKey  domain.SecretString
	country string
	http    httpClient
}

var _ Vendor = (*FiveSim)(nil)

// NewFiveSim creates the 5Sim adapter.
func NewFiveSim(cfg Config) *FiveSim {
	f := &FiveSim{
		baseURL: fiveSimBaseURL,
		apiKey:  cfg.APIKey,
		country: fiveSimCountry,
		http:    newHTTPClient(VendorFiveSim, cfg),
	}
	if cfg.BaseURL != "" {
		f.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Country != "" {
		f.country = cfg.Country
	}
	return f
}

// Name returns the registry key for this vendor.
func (f *FiveSim) Name() string { return VendorFiveSim }

// headers builds a fresh header set for one call.
func (f *FiveSim) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.apiKey.Expose())
	h.Set("Accept", "application/json")
	return h
}

func (f *FiveSim) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return f.baseURL + "/" + strings.Join(escaped, "/")
}

func (f *FiveSim) start(ctx context.Context, op string) (context.Context, trace.Span) {
	countCall(ctx, VendorFiveSim, op)
	ctx, span := tracer.Start(ctx, "vendor.5sim."+op)
	span.SetAttributes(attribute.String("vendor", VendorFiveSim))
	return ctx, span
}

func (f *FiveSim) fail(ctx context.Context, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	f.http.vendorFailure(ctx, op, err)
}

// Quote returns one offer per in-stock operator, ordered by operator name.
func (f *FiveSim) Quote(ctx context.Context, code string) ([]Offer, error) {
	ctx, span := f.start(ctx, "quote")
	defer span.End()

	if code == "" {
		return nil, nil
	}

	q := url.Values{}
	q.Set("product", code)
	q.Set("country", f.country)

	var resp map[string]map[string]map[string]costCount
	if err := f.http.getJSON(ctx, f.endpoint("guest", "prices"), q, f.headers(), &resp); err != nil {
		f.fail(ctx, span, "quote", err)
		return nil, nil
	}

	operators := resp[f.country][code]
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)

	var offers []Offer
	for _, name := range names {
		cc := operators[name]
		if cc.Count <= 0 {
			continue
		}
		offers = append(offers, Offer{
			Vendor:  VendorFiveSim,
			Variant: name,
			Count:   int(cc.Count),
			Cost:    cc.Cost,
		})
	}
	return offers, nil
}

type fiveSimOrder struct {
	ID     int64  `json:"id"`
	Phone  string `json:"phone"`
	Status string `json:"status"`
	SMS    []struct {
		Code string `json:"code"`
	} `json:"sms"`
}

// Purchase buys an activation from operator variant. An empty or "Any"
// variant lets the vendor pick.
func (f *FiveSim) Purchase(ctx context.Context, code, variant string) (*Lease, error) {
	ctx, span := f.start(ctx, "purchase")
	defer span.End()

	operator := variant
	if operator == "" || operator == AnyVariant {
		operator = fiveSimAnyOperator
	}

	var order fiveSimOrder
	err := f.http.getJSON(ctx, f.endpoint("user", "buy", "activation", f.country, operator, code), nil, f.headers(), &order)
	if err != nil {
		f.fail(ctx, span, "purchase", err)
		return nil, nil
	}
	if order.ID == 0 || order.Phone == "" {
		f.fail(ctx, span, "purchase", fmt.Errorf("5sim: order missing id or phone: %w", errVendorReply))
		return nil, nil
	}
	return &Lease{
		Phone:       order.Phone,
		AccessToken: strconv.FormatInt(order.ID, 10),
		Vendor:      VendorFiveSim,
	}, nil
}

// Poll maps the 5Sim order status onto the tri-state. RECEIVED and
// FINISHED return the most recent SMS code, or Waiting until one arrives.
func (f *FiveSim) Poll(ctx context.Context, accessToken string) (PollResult, error) {
	ctx, span := f.start(ctx, "poll")
	defer span.End()

	var order fiveSimOrder
	if err := f.http.getJSON(ctx, f.endpoint("user", "check", accessToken), nil, f.headers(), &order); err != nil {
		f.fail(ctx, span, "poll", err)
		return Waiting(), nil
	}

	switch order.Status {
	case "PENDING":
		return Waiting(), nil
	case "CANCELED", "TIMEOUT", "BANNED":
		return Cancelled(), nil
	case "RECEIVED", "FINISHED":
		if n := len(order.SMS); n > 0 && order.SMS[n-1].Code != "" {
			return Code(order.SMS[n-1].Code), nil
		}
		return Waiting(), nil
	default:
		f.fail(ctx, span, "poll", fmt.Errorf("5sim: unexpected status %q: %w", order.Status, errVendorReply))
		return Waiting(), nil
	}
}

// Cancel confirms when 5Sim reports the order as CANCELED.
func (f *FiveSim) Cancel(ctx context.Context, accessToken string) (bool, error) {
	ctx, span := f.start(ctx, "cancel")
	defer span.End()

	var order fiveSimOrder
	if err := f.http.getJSON(ctx, f.endpoint("user", "cancel", accessToken), nil, f.headers(), &order); err != nil {
		f.fail(ctx, span, "cancel", err)
		return false, nil
	}
	return order.Status == "CANCELED", nil
}

// Balance reads the account balance from the user profile.
func (f *FiveSim) Balance(ctx context.Context) (decimal.Decimal, bool) {
	ctx, span := f.start(ctx, "balance")
	defer span.End()

	var profile struct {
		Balance *decimal.Decimal `json:"balance"`
	}
	if err := f.http.getJSON(ctx, f.endpoint("user", "profile"), nil, f.headers(), &profile); err != nil {
		f.fail(ctx, span, "balance", err)
		return decimal.Zero, false
	}
	if profile.Balance == nil {
		f.fail(ctx, span, "balance", fmt.Errorf("5sim: profile without balance: %w", errVendorReply))
		return decimal.Zero, false
	}
	return *profile.Balance, true
}
