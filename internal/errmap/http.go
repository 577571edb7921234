// Package errmap translates domain errors into HTTP status codes and stable
// error codes for the broker JSON API.
package errmap

import (
	"errors"
	"net/http"

	"github.com/aelexs/numberbroker/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// httpMapping defines a domain error to HTTP status/code mapping.
type httpMapping struct {
	err        error
	statusCode int
	code       string
}

// httpMappings maps domain errors to HTTP status codes and error codes.
// Order matters: first match wins (via errors.Is).
var httpMappings = []httpMapping{
	// Resource errors
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{domain.ErrUnknownService, http.StatusNotFound, "UNKNOWN_SERVICE"},
	{domain.ErrUnknownVendor, http.StatusNotFound, "UNKNOWN_VENDOR"},

	// Order token errors
	{domain.ErrInvalidOrderToken, http.StatusBadRequest, "INVALID_ORDER_TOKEN"},
	{domain.ErrTokenOwner, http.StatusBadRequest, "INVALID_ORDER_TOKEN"},
	{domain.ErrTokenConsumed, http.StatusConflict, "ORDER_CLOSED"},

	// Ledger errors
	{domain.ErrInsufficientFunds, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
	{domain.ErrDuplicateRecharge, http.StatusConflict, "DUPLICATE_RECHARGE"},

	// Validation errors (400)
	{domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrEmptyUserID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidUserID, http.StatusBadRequest, "INVALID_ARGUMENT"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "INVALID_ARGUMENT"},

	// Rate limiting (429)
	{domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{domain.ErrPoolFull, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"},

	// Availability
	{domain.ErrVendorUnavailable, http.StatusBadGateway, "VENDOR_UNAVAILABLE"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// ToHTTPError converts a domain error to an HTTP error.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}
	for _, m := range httpMappings {
		if errors.Is(err, m.err) {
			return HTTPError{StatusCode: m.statusCode, Code: m.code, Message: err.Error()}
		}
	}
	// Never expose internal error details to clients
	return HTTPError{StatusCode: http.StatusInternalServerError, Code: "INTERNAL", Message: "internal error"}
}
