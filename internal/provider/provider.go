// Package provider normalizes the four SMS-rental vendor APIs behind one
// capability contract and composes them in a Registry keyed by vendor name.
//
// Adapters never return errors for vendor-side rejection. Transport and
// payload failures are logged inside the adapter and surface as an empty
// quote, a nil lease, a Waiting poll, an unconfirmed cancel, or an unknown
// balance.
package provider

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("provider")

var (
	vendorCallsTotal  metric.Int64Counter
	vendorErrorsTotal metric.Int64Counter
)

func init() {
	m := otel.Meter("provider")

	vendorCallsTotal, _ = m.Int64Counter("vendor_calls_total",
		metric.WithDescription("Total vendor API calls by vendor and operation"))
	vendorErrorsTotal, _ = m.Int64Counter("vendor_errors_total",
		metric.WithDescription("Total vendor transport or payload errors"))
}

// Vendor names used as registry keys and inside order tokens.
const (
	VendorFast    = "Fast"
	VendorTiger   = "Tiger"
	VendorBower   = "Bower"
	VendorFiveSim = "5Sim"
)

// AnyVariant is the variant reported by vendors without sub-providers.
const AnyVariant = "Any"

// UnknownBalance is reported by Registry.BalanceOf when a vendor balance
// cannot be read. It is negative so it can never be mistaken for a real
// balance.
var UnknownBalance = decimal.RequireFromString("-9.99")

// Offer is one purchasable option for a service. Price is the sale price
// after markup and is filled in by the Registry.
type Offer struct {
	Vendor  string
	Variant string
	Count   int
	Cost    decimal.Decimal
	Price   decimal.Decimal
}

// Lease is a vendor-side reservation of a number. AccessToken is a
// capability: whoever holds it can poll or cancel the lease.
type Lease struct {
	Phone       string
	AccessToken string
	Vendor      string
}

// PollStatus is the normalized OTP status.
type PollStatus int

const (
	PollWaiting PollStatus = iota
	PollCancelled
	PollCode
)

func (s PollStatus) String() string {
	switch s {
	case PollWaiting:
		return "waiting"
	case PollCancelled:
		return "cancelled"
	case PollCode:
		return "code"
	default:
		return fmt.Sprintf("PollStatus(%d)", int(s))
	}
}

// PollResult carries the tri-state poll outcome. Code is set only when
// Status is PollCode.
type PollResult struct {
	Status PollStatus
	Code   string
}

// Waiting, Cancelled and Code build PollResult values.
func Waiting() PollResult        { return PollResult{Status: PollWaiting} }
func Cancelled() PollResult      { return PollResult{Status: PollCancelled} }
func Code(otp string) PollResult { return PollResult{Status: PollCode, Code: otp} }

// Vendor is the capability contract every adapter implements.
type Vendor interface {
	Name() string

	// Quote returns the offers for code. An empty slice is a valid answer
	// for sold-out or unknown codes.
	Quote(ctx context.Context, code string) ([]Offer, error)

	// Purchase reserves a number. A nil lease with a nil error means the
	// vendor did not hand one out.
	Purchase(ctx context.Context, code, variant string) (*Lease, error)

	Poll(ctx context.Context, accessToken string) (PollResult, error)

	// Cancel reports whether the vendor confirmed the cancellation.
	Cancel(ctx context.Context, accessToken string) (bool, error)

	// Balance reports the vendor account balance. ok is false when the
	// balance is unknown.
	Balance(ctx context.Context) (balance decimal.Decimal, ok bool)
}

func countCall(ctx context.Context, vendor, op string) {
	vendorCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("op", op),
	))
}

func countError(ctx context.Context, vendor, op string) {
	vendorErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("vendor", vendor),
		attribute.String("op", op),
	))
}
