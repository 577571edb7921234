package domain

import "log/slog"

// SecretString wraps credentials such as vendor API keys and the order token
// signing key. Both fmt and slog render it as a placeholder.
type SecretString string

const redacted = "[REDACTED]"

// String returns a redacted placeholder, never the actual value.
func (s SecretString) String() string {
	return redacted
}

// LogValue implements slog.LogValuer so a misconfigured ReplaceAttr still
// cannot leak the value.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Expose returns the actual secret value. Call it only at the point of use
// (request signing, HTTP auth headers).
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}

var _ slog.LogValuer = SecretString("")
