package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aelexs/numberbroker/internal/domain"
)

// Resolver maps a service name to per-vendor service codes.
type Resolver interface {
	Resolve(service string) (map[string]string, bool)
}

// RegistryConfig holds the dependencies for Registry.
type RegistryConfig struct {
	// Vendors in registration order. ListOffers concatenates in this order
	// before sorting, so equal prices keep it.
	Vendors  []Vendor
	Resolver Resolver
	Pricing  Pricing
	Logger   *slog.Logger
}

// Registry composes vendors keyed by name. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	vendors  map[string]Vendor
	order    []string
	resolver Resolver
	pricing  Pricing
	logger   *slog.Logger
}

// NewRegistry creates a Registry. Vendor names must be unique.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	r := &Registry{
		vendors:  make(map[string]Vendor, len(cfg.Vendors)),
		resolver: cfg.Resolver,
		pricing:  cfg.Pricing,
		logger:   cfg.Logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	for _, v := range cfg.Vendors {
		name := v.Name()
		if _, dup := r.vendors[name]; dup {
			return nil, fmt.Errorf("provider: duplicate vendor %q: %w", name, domain.ErrAlreadyExists)
		}
		r.vendors[name] = v
		r.order = append(r.order, name)
	}
	return r, nil
}

// Names returns vendor names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) vendor(name string) (Vendor, error) {
	v, ok := r.vendors[name]
	if !ok {
		return nil, fmt.Errorf("provider: %q: %w", name, domain.ErrUnknownVendor)
	}
	return v, nil
}

// ListOffers queries every vendor that maps service, concurrently, and
// returns the priced offers sorted by price. One vendor's failure never
// affects the others.
func (r *Registry) ListOffers(ctx context.Context, service string) []Offer {
	ctx, span := tracer.Start(ctx, "registry.list_offers")
	defer span.End()
	span.SetAttributes(attribute.String("service", service))

	codes, ok := r.resolver.Resolve(service)
	if !ok {
		return nil
	}

	results := make([][]Offer, len(r.order))
	var g errgroup.Group
	for i, name := range r.order {
		code, mapped := codes[name]
		if !mapped {
			continue
		}
		v := r.vendors[name]
		g.Go(func() error {
			offers, err := v.Quote(ctx, code)
			if err != nil {
				r.logger.WarnContext(ctx, "vendor quote failed",
					slog.String("vendor", name),
					slog.String("service", service),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = offers
			return nil
		})
	}
	_ = g.Wait()

	var all []Offer
	for _, offers := range results {
		for _, o := range offers {
			o.Price = r.pricing.SalePrice(o.Cost)
			all = append(all, o)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Price.LessThan(all[j].Price)
	})
	span.SetAttributes(attribute.Int("offers", len(all)))
	return all
}

// Quote returns a fresh priced offer for one vendor and variant. ok is false
// when the vendor currently has no matching offer.
func (r *Registry) Quote(ctx context.Context, vendor, service, variant string) (Offer, bool, error) {
	v, err := r.vendor(vendor)
	if err != nil {
		return Offer{}, false, err
	}
	code, err := r.code(vendor, service)
	if err != nil {
		return Offer{}, false, err
	}
	if code == "" {
		return Offer{}, false, nil
	}

	offers, err := v.Quote(ctx, code)
	if err != nil {
		return Offer{}, false, fmt.Errorf("provider: quote %s/%s: %w", vendor, service, err)
	}
	for _, o := range offers {
		if o.Variant == variant || (variant == "" && len(offers) == 1) {
			o.Price = r.pricing.SalePrice(o.Cost)
			return o, true, nil
		}
	}
	return Offer{}, false, nil
}

// code resolves the vendor's code for service. An empty code with a nil
// error means the vendor does not offer the service.
func (r *Registry) code(vendor, service string) (string, error) {
	codes, ok := r.resolver.Resolve(service)
	if !ok {
		return "", fmt.Errorf("provider: %q: %w", service, domain.ErrUnknownService)
	}
	return codes[vendor], nil
}

// Buy purchases a number for service from vendor. A nil lease means the
// vendor handed none out.
func (r *Registry) Buy(ctx context.Context, vendor, service, variant string) (*Lease, error) {
	v, err := r.vendor(vendor)
	if err != nil {
		return nil, err
	}
	code, err := r.code(vendor, service)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, nil
	}
	return v.Purchase(ctx, code, variant)
}

// Poll checks the lease's OTP status at vendor.
func (r *Registry) Poll(ctx context.Context, vendor, accessToken string) (PollResult, error) {
	v, err := r.vendor(vendor)
	if err != nil {
		return PollResult{}, err
	}
	return v.Poll(ctx, accessToken)
}

// Cancel releases the lease at vendor.
func (r *Registry) Cancel(ctx context.Context, vendor, accessToken string) (bool, error) {
	v, err := r.vendor(vendor)
	if err != nil {
		return false, err
	}
	return v.Cancel(ctx, accessToken)
}

// BalanceOf returns vendor's balance, or UnknownBalance when it cannot be
// read or the vendor is not registered.
func (r *Registry) BalanceOf(ctx context.Context, vendor string) decimal.Decimal {
	v, err := r.vendor(vendor)
	if err != nil {
		r.logger.WarnContext(ctx, "balance for unregistered vendor", slog.String("vendor", vendor))
		return UnknownBalance
	}
	bal, ok := v.Balance(ctx)
	if !ok {
		r.logger.ErrorContext(ctx, "failed to fetch vendor balance", slog.String("vendor", vendor))
		return UnknownBalance
	}
	return bal
}

// Balances returns every vendor's balance, fetched concurrently.
func (r *Registry) Balances(ctx context.Context) map[string]decimal.Decimal {
	ctx, span := tracer.Start(ctx, "registry.balances")
	defer span.End()

	values := make([]decimal.Decimal, len(r.order))
	var g errgroup.Group
	for i, name := range r.order {
		g.Go(func() error {
			values[i] = r.BalanceOf(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]decimal.Decimal, len(r.order))
	for i, name := range r.order {
		out[name] = values[i]
	}
	return out
}
