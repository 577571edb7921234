package provider

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/domain"
)

// Pricing converts vendor cost to sale price: floor(cost*(1+rate/100) + 1).
type Pricing struct {
	factor decimal.Decimal
}

// NewPricing creates a Pricing for a markup of ratePercent.
func NewPricing(ratePercent int) (Pricing, error) {
	if ratePercent < 0 {
		return Pricing{}, fmt.Errorf("provider: negative profit rate %d: %w", ratePercent, domain.ErrInvalidInput)
	}
	rate := decimal.NewFromInt(int64(ratePercent)).Div(decimal.NewFromInt(100))
	return Pricing{factor: decimal.NewFromInt(1).Add(rate)}, nil
}

// DefaultPricing uses domain.DefaultProfitRate.
func DefaultPricing() Pricing {
	p, _ := NewPricing(domain.DefaultProfitRate)
	return p
}

// SalePrice returns the user-facing price for cost.
func (p Pricing) SalePrice(cost decimal.Decimal) decimal.Decimal {
	return cost.Mul(p.factor).Add(decimal.NewFromInt(1)).Floor()
}

// Sellable reports whether price is below the failed-lookup ceiling.
func Sellable(price decimal.Decimal) bool {
	return price.LessThan(decimal.NewFromInt(domain.MaxSalePrice))
}
