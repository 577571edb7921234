package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/provider"
)

// ResultKind discriminates what a broker call produced. The transport
// renders each kind; none of them is an error.
type ResultKind int

const (
	InsufficientFunds ResultKind = iota + 1
	Purchased
	PollUpdate
	Fulfilled
	Cancelled
	VendorUnavailable
	InvalidToken
	AlreadyClosed
	RateLimited
	Recharged
	RechargeRejected
	Info
)

var kindNames = map[ResultKind]string{
	InsufficientFunds: "insufficient_funds",
	Purchased:         "purchased",
	PollUpdate:        "poll_update",
	Fulfilled:         "fulfilled",
	Cancelled:         "cancelled",
	VendorUnavailable: "vendor_unavailable",
	InvalidToken:      "invalid_token",
	AlreadyClosed:     "already_closed",
	RateLimited:       "rate_limited",
	Recharged:         "recharged",
	RechargeRejected:  "recharge_rejected",
	Info:              "info",
}

func (k ResultKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Rejection reasons for RechargeRejected.
const (
	RechargeNotFound = "not_found"
	RechargeReplayed = "replayed"
)

// Rebuy identifies the offer a closed order came from so the transport can
// offer to buy it again.
type Rebuy struct {
	Service string
	Vendor  string
	Variant string
}

// Result is the broker's reply. Which fields are set depends on Kind:
//
//	InsufficientFunds  Price, Balance
//	Purchased          Token, Phone, Price, Balance
//	PollUpdate         Token, Phone, Attempt, OfferCancel
//	Fulfilled          Phone, Code, Rebuy
//	Cancelled          Phone, Refund, Balance, Rebuy
//	Recharged          Amount, Balance
//	RechargeRejected   Reason
//	Info               Balance, History, Favourites
type Result struct {
	Kind ResultKind

	Token       string
	Phone       string
	Price       decimal.Decimal
	Attempt     int
	OfferCancel bool
	Code        string
	Refund      decimal.Decimal
	Amount      decimal.Decimal
	Balance     decimal.Decimal
	Reason      string
	Rebuy       *Rebuy

	History    []string
	Favourites []string
}

// DisplayPhone splits Phone into country prefix and national number.
func (r Result) DisplayPhone() (prefix, national string) {
	return domain.DisplayPhone(r.Phone)
}

// Event types published after state changes commit.
const (
	EventOrderPurchased   = "order.purchased"
	EventOrderFulfilled   = "order.fulfilled"
	EventOrderCancelled   = "order.cancelled"
	EventRechargeCredited = "recharge.credited"
)

// Event is a committed state change.
type Event struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Nonce   string          `json:"nonce,omitempty"`
	Vendor  string          `json:"vendor,omitempty"`
	Service string          `json:"service,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	At      time.Time       `json:"at"`
}

// Reply is the rendered outcome of one webhook update. Body is the same
// JSON document the synchronous endpoint for Action would have returned.
type Reply struct {
	UpdateID string
	UserID   string
	Action   string
	Kind     string
	Body     []byte
}

// VendorBalance is one row of the vendor balance dashboard.
type VendorBalance struct {
	Vendor  string
	Balance decimal.Decimal
	Known   bool
}

func vendorBalance(name string, bal decimal.Decimal) VendorBalance {
	return VendorBalance{Vendor: name, Balance: bal, Known: !bal.Equal(provider.UnknownBalance)}
}
