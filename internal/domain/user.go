// Package domain contains pure business logic and types shared by every
// ring of the broker. It has no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// UserID identifies a ledger account. Values come from the transport layer
// (chat IDs), so only shape is validated.
type UserID struct {
	value string
}

// NewUserID validates raw and wraps it as a UserID.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, ErrEmptyUserID
	}
	if len(raw) > MaxUserIDLength {
		return UserID{}, fmt.Errorf("user ID longer than %d: %w", MaxUserIDLength, ErrInvalidUserID)
	}
	if strings.IndexFunc(raw, unicode.IsSpace) >= 0 {
		return UserID{}, fmt.Errorf("user ID %q contains whitespace: %w", raw, ErrInvalidUserID)
	}
	return UserID{value: raw}, nil
}

// MustUserID creates a UserID, panicking on invalid input. Use only in tests.
func MustUserID(raw string) UserID {
	id, err := NewUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func (id UserID) String() string { return id.value }
func (id UserID) IsZero() bool   { return id.value == "" }

// NewOrderNonce returns a fresh per-order nonce. UUIDv7 values sort by
// creation time, which keeps consumed-token rows roughly chronological.
func NewOrderNonce() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate order nonce: %w", err)
	}
	return id.String(), nil
}
