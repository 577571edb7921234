package domain

import "errors"

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Validation errors
	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyUserID   = errors.New("user ID cannot be empty")
	ErrInvalidUserID = errors.New("invalid user ID format")
	ErrInvalidAmount = errors.New("amount must be positive")

	// Order lifecycle errors
	ErrInvalidOrderToken = errors.New("invalid order token")
	ErrTokenConsumed     = errors.New("order token already consumed")
	ErrTokenOwner        = errors.New("order token belongs to another user")

	// Ledger errors
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateRecharge = errors.New("recharge reference already used")

	// Provider errors
	ErrUnknownVendor     = errors.New("unknown vendor")
	ErrUnknownService    = errors.New("service not in catalog")
	ErrVendorUnavailable = errors.New("vendor unavailable")

	// Operational errors
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrUnavailable = errors.New("service temporarily unavailable")
	ErrPoolFull    = errors.New("worker pool at capacity")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrVendorUnavailable) ||
		errors.Is(err, ErrPoolFull)
}

// clientErrors enumerates all domain errors that represent client-side issues.
var clientErrors = []error{
	ErrInvalidInput,
	ErrEmptyUserID,
	ErrInvalidUserID,
	ErrInvalidAmount,
	ErrNotFound,
	ErrInvalidOrderToken,
	ErrTokenConsumed,
	ErrTokenOwner,
	ErrUnknownService,
	ErrInsufficientFunds,
	ErrDuplicateRecharge,
}

// IsClientError returns true if the error represents a client-side issue
// that will not succeed on retry without client-side changes.
func IsClientError(err error) bool {
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsTokenRejected reports whether err means the presented order token
// cannot drive a lifecycle transition.
func IsTokenRejected(err error) bool {
	return errors.Is(err, ErrInvalidOrderToken) ||
		errors.Is(err, ErrTokenOwner)
}
