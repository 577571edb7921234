package errmap_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aelexs/numberbroker/internal/domain"
	"github.com/aelexs/numberbroker/internal/errmap"
)

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantStatusCode int
		wantCode       string
	}{
		// Nil error
		{"nil error", nil, http.StatusOK, ""},

		// Resource errors
		{"ErrNotFound", domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"ErrAlreadyExists", domain.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
		{"ErrUnknownService", domain.ErrUnknownService, http.StatusNotFound, "UNKNOWN_SERVICE"},
		{"ErrUnknownVendor", domain.ErrUnknownVendor, http.StatusNotFound, "UNKNOWN_VENDOR"},

		// Order token errors
		{"ErrInvalidOrderToken", domain.ErrInvalidOrderToken, http.StatusBadRequest, "INVALID_ORDER_TOKEN"},
		{"ErrTokenOwner", domain.ErrTokenOwner, http.StatusBadRequest, "INVALID_ORDER_TOKEN"},
		{"ErrTokenConsumed", domain.ErrTokenConsumed, http.StatusConflict, "ORDER_CLOSED"},

		// Ledger errors
		{"ErrInsufficientFunds", domain.ErrInsufficientFunds, http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"},
		{"ErrDuplicateRecharge", domain.ErrDuplicateRecharge, http.StatusConflict, "DUPLICATE_RECHARGE"},

		// Validation errors
		{"ErrInvalidInput", domain.ErrInvalidInput, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"ErrEmptyUserID", domain.ErrEmptyUserID, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"ErrInvalidUserID", domain.ErrInvalidUserID, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"ErrInvalidAmount", domain.ErrInvalidAmount, http.StatusBadRequest, "INVALID_ARGUMENT"},

		// Operational errors
		{"ErrRateLimited", domain.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"ErrPoolFull", domain.ErrPoolFull, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED"},
		{"ErrVendorUnavailable", domain.ErrVendorUnavailable, http.StatusBadGateway, "VENDOR_UNAVAILABLE"},
		{"ErrUnavailable", domain.ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE"},

		// Wrapped errors
		{"wrapped ErrNotFound", fmt.Errorf("ledger: balance: %w", domain.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},

		// Unknown errors map to Internal
		{"unknown error", fmt.Errorf("unexpected"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errmap.ToHTTPError(tt.err)
			assert.Equal(t, tt.wantStatusCode, got.StatusCode, "expected status %d, got %d", tt.wantStatusCode, got.StatusCode)
			assert.Equal(t, tt.wantCode, got.Code, "expected code %q, got %q", tt.wantCode, got.Code)
		})
	}
}

func TestHTTPErrorImplementsError(t *testing.T) {
	httpErr := errmap.ToHTTPError(domain.ErrNotFound)
	var err error = httpErr
	assert.NotEmpty(t, err.Error())
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	got := errmap.ToHTTPError(fmt.Errorf("postgres: apply: dial tcp 10.0.0.5:5432: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.Equal(t, "internal error", got.Message)
}

// Every client error must map to a 4xx so transports never report one as a
// server fault.
func TestClientErrorsMapTo4xx(t *testing.T) {
	for _, err := range []error{
		domain.ErrInvalidInput,
		domain.ErrEmptyUserID,
		domain.ErrInvalidUserID,
		domain.ErrInvalidAmount,
		domain.ErrNotFound,
		domain.ErrInvalidOrderToken,
		domain.ErrTokenConsumed,
		domain.ErrTokenOwner,
		domain.ErrUnknownService,
		domain.ErrInsufficientFunds,
		domain.ErrDuplicateRecharge,
	} {
		t.Run(err.Error(), func(t *testing.T) {
			assert.True(t, domain.IsClientError(err))
			code := errmap.ToHTTPError(err).StatusCode
			assert.GreaterOrEqual(t, code, 400)
			assert.Less(t, code, 500)
		})
	}
}
