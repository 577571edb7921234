package provider

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// NewFast creates the Fast adapter.
func NewFast(cfg Config) *ActivationAPI {
	return newActivationAPI(VendorFast, dialect{
		baseURL:     "https://fastsms.su/stubs/handler_api.php",
		country:     "22",
		parseOffers: parseFastOffers,
		cancelConfirmed: func(reply string) bool {
			return strings.HasPrefix(reply, "ACCESS_CANCEL")
		},
	}, cfg)
}

// parseFastOffers decodes a {"<cost>": <count>} entry. Fast sells one
// offer per service; the cheapest in-stock price is taken.
func parseFastOffers(entry json.RawMessage) ([]Offer, error) {
	var byCost map[string]flexInt
	if err := json.Unmarshal(entry, &byCost); err != nil {
		return nil, err
	}

	var best *Offer
	for rawCost, count := range byCost {
		cost, err := decimal.NewFromString(rawCost)
		if err != nil {
			return nil, err
		}
		if count <= 0 {
			continue
		}
		if best == nil || cost.LessThan(best.Cost) {
			best = &Offer{Variant: AnyVariant, Cost: cost, Count: int(count)}
		}
	}
	if best == nil {
		return nil, nil
	}
	return []Offer{*best}, nil
}
