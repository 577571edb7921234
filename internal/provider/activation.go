package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aelexs/numberbroker/internal/domain"
)

// statusCancel is the setStatus code that releases an activation.
const statusCancel = "8"

// dialect captures what differs between handler_api vendors.
type dialect struct {
	baseURL string
	country string

	// numberParams are added to every getNumber call.
	numberParams map[string]string

	// parseOffers decodes the per-service price entry.
	parseOffers func(entry json.RawMessage) ([]Offer, error)

	// cancelConfirmed matches the vendor's cancellation sentinel.
	cancelConfirmed func(reply string) bool
}

// ActivationAPI implements Vendor over the handler_api.php text protocol
// spoken by Fast, Tiger and Bower. It is immutable after construction.
type ActivationAPI struct {
	name    string
	baseURL string
	apiKey  domain.SecretString
	country string
	dialect dialect
	http    httpClient
}

var _ Vendor = (*ActivationAPI)(nil)

func newActivationAPI(name string, d dialect, cfg Config) *ActivationAPI {
	a := &ActivationAPI{
		name:    name,
		baseURL: d.baseURL,
		apiKey:  cfg.APIKey,
		country: d.country,
		dialect: d,
		http:    newHTTPClient(name, cfg),
	}
	if cfg.BaseURL != "" {
		a.baseURL = cfg.BaseURL
	}
	if cfg.Country != "" {
		a.country = cfg.Country
	}
	return a
}

// Name returns the registry key for this vendor.
func (a *ActivationAPI) Name() string { return a.name }

// params builds a fresh query for one call.
func (a *ActivationAPI) params(action string, kv ...string) url.Values {
	q := url.Values{}
	q.Set("api_key", a.apiKey.Expose())
	q.Set("action", action)
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

func (a *ActivationAPI) start(ctx context.Context, op string) (context.Context, trace.Span) {
	countCall(ctx, a.name, op)
	ctx, span := tracer.Start(ctx, "vendor."+strings.ToLower(a.name)+"."+op)
	span.SetAttributes(attribute.String("vendor", a.name))
	return ctx, span
}

func (a *ActivationAPI) fail(ctx context.Context, span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.http.vendorFailure(ctx, op, err)
}

// Quote returns the offers for code. Unknown codes and sold-out services
// yield an empty slice.
func (a *ActivationAPI) Quote(ctx context.Context, code string) ([]Offer, error) {
	ctx, span := a.start(ctx, "quote")
	defer span.End()

	if code == "" {
		return nil, nil
	}

	var resp map[string]map[string]json.RawMessage
	err := a.http.getJSON(ctx, a.baseURL, a.params("getPrices", "service", code, "country", a.country), nil, &resp)
	if err != nil {
		a.fail(ctx, span, "quote", err)
		return nil, nil
	}

	entry, ok := resp[a.country][code]
	if !ok {
		return nil, nil
	}
	offers, err := a.dialect.parseOffers(entry)
	if err != nil {
		a.fail(ctx, span, "quote", fmt.Errorf("%s: price entry for %q: %w", a.name, code, err))
		return nil, nil
	}

	out := offers[:0]
	for _, o := range offers {
		if o.Count <= 0 {
			continue
		}
		o.Vendor = a.name
		out = append(out, o)
	}
	return out, nil
}

// Purchase reserves a number for code. The variant is ignored; these
// vendors do not expose sub-providers.
func (a *ActivationAPI) Purchase(ctx context.Context, code, _ string) (*Lease, error) {
	ctx, span := a.start(ctx, "purchase")
	defer span.End()

	q := a.params("getNumber", "service", code, "country", a.country)
	for k, v := range a.dialect.numberParams {
		q.Set(k, v)
	}

	reply, err := a.http.getText(ctx, a.baseURL, q, nil)
	if err != nil {
		a.fail(ctx, span, "purchase", err)
		return nil, nil
	}

	parts := strings.SplitN(reply, ":", 3)
	if len(parts) != 3 || parts[0] != "ACCESS_NUMBER" || parts[1] == "" || parts[2] == "" {
		a.http.logger.InfoContext(ctx, "vendor did not lease a number",
			slog.String("service_code", code),
			slog.String("reply", truncate([]byte(reply))),
		)
		return nil, nil
	}
	return &Lease{Phone: parts[2], AccessToken: parts[1], Vendor: a.name}, nil
}

// Poll maps STATUS_WAIT*, STATUS_CANCEL and STATUS_OK:code replies onto the
// tri-state. Anything else is logged and reported as Waiting.
func (a *ActivationAPI) Poll(ctx context.Context, accessToken string) (PollResult, error) {
	ctx, span := a.start(ctx, "poll")
	defer span.End()

	reply, err := a.http.getText(ctx, a.baseURL, a.params("getStatus", "id", accessToken), nil)
	if err != nil {
		a.fail(ctx, span, "poll", err)
		return Waiting(), nil
	}

	result, ok := parseActivationStatus(reply)
	if !ok {
		a.fail(ctx, span, "poll", fmt.Errorf("%s: unexpected status %q: %w", a.name, truncate([]byte(reply)), errVendorReply))
	}
	return result, nil
}

func parseActivationStatus(reply string) (PollResult, bool) {
	switch {
	case strings.HasPrefix(reply, "STATUS_OK"):
		if i := strings.LastIndexByte(reply, ':'); i >= 0 && i < len(reply)-1 {
			return Code(strings.TrimSpace(reply[i+1:])), true
		}
		return Waiting(), false
	case strings.Contains(reply, "WAIT"):
		return Waiting(), true
	case strings.Contains(reply, "CANCEL"):
		return Cancelled(), true
	default:
		return Waiting(), false
	}
}

// Cancel asks the vendor to release the activation.
func (a *ActivationAPI) Cancel(ctx context.Context, accessToken string) (bool, error) {
	ctx, span := a.start(ctx, "cancel")
	defer span.End()

	reply, err := a.http.getText(ctx, a.baseURL, a.params("setStatus", "id", accessToken, "status", statusCancel), nil)
	if err != nil {
		a.fail(ctx, span, "cancel", err)
		return false, nil
	}
	return a.dialect.cancelConfirmed(reply), nil
}

// Balance parses an ACCESS_BALANCE:x reply.
func (a *ActivationAPI) Balance(ctx context.Context) (decimal.Decimal, bool) {
	ctx, span := a.start(ctx, "balance")
	defer span.End()

	reply, err := a.http.getText(ctx, a.baseURL, a.params("getBalance"), nil)
	if err != nil {
		a.fail(ctx, span, "balance", err)
		return decimal.Zero, false
	}

	prefix, value, found := strings.Cut(reply, ":")
	if !found || prefix != "ACCESS_BALANCE" {
		a.fail(ctx, span, "balance", fmt.Errorf("%s: unexpected balance reply %q: %w", a.name, truncate([]byte(reply)), errVendorReply))
		return decimal.Zero, false
	}
	bal, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		a.fail(ctx, span, "balance", fmt.Errorf("%s: parse balance: %w", a.name, err))
		return decimal.Zero, false
	}
	return bal, true
}

// flexInt accepts counts encoded either as JSON numbers or strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("count %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// costCount is the {cost, count} price entry used by Tiger, Bower and 5Sim.
type costCount struct {
	Cost  decimal.Decimal `json:"cost"`
	Count flexInt         `json:"count"`
}

func parseCostCount(entry json.RawMessage) ([]Offer, error) {
	var cc costCount
	if err := json.Unmarshal(entry, &cc); err != nil {
		return nil, err
	}
	return []Offer{{Variant: AnyVariant, Cost: cc.Cost, Count: int(cc.Count)}}, nil
}

// containsCancel confirms on any reply in the ACCESS_CANCEL family while
// rejecting EARLY_CANCEL_DENIED.
func containsCancel(reply string) bool {
	return strings.Contains(reply, "CANCEL") && !strings.Contains(reply, "DENIED")
}
