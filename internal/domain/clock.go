package domain

import "time"

// Clock is the broker's source of time. Ledger entries, token expiry, the
// bank lookback window and vendor balance checks all read it.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

var _ Clock = RealClock{}

// NowUTCMillis is the persisted timestamp form: UTC epoch milliseconds.
func NowUTCMillis(c Clock) int64 {
	return c.Now().UTC().UnixMilli()
}

// FromMillis is the inverse of NowUTCMillis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Lookback returns the window [now-d, now], read from c once.
func Lookback(c Clock, d time.Duration) (from, to time.Time) {
	to = c.Now()
	return to.Add(-d), to
}
