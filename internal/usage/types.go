package usage

import (
	"errors"
	"time"
)

const (
	// DefaultInterval is the accounting granularity
	DefaultInterval = 5 * time.Minute

	// DefaultIdleTimeout is the inactivity period after which a session is auto-stopped
	DefaultIdleTimeout = 10 * time.Minute
)

// ErrUnknownDevice is returned when a device cannot be resolved to a user.
var ErrUnknownDevice = errors.New("usage: device has no assigned user")

// Config holds engine configuration
type Config struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Account is the usage state of one user for one calendar day.
type Account struct {
	UserID string
	// Day is local midnight of the day the account describes.
	Day time.Time

	Accounted time.Duration
	Used      time.Duration

	Active  bool
	Allowed bool
	// SessionStart is zero while inactive.
	SessionStart time.Time

	// SpanStart and SpanCharged track the outer span already paid for, so
	// a restart inside the paid window is not charged a second minimum.
	SpanStart   time.Time
	SpanCharged time.Duration
}

// newAccount returns the zero account for a user: inactive and allowed.
func newAccount(userID string) Account {
	return Account{UserID: userID, Allowed: true}
}

// Remaining returns the unused part of quota, never negative.
func (a Account) Remaining(quota time.Duration) time.Duration {
	if a.Accounted >= quota {
		return 0
	}
	return quota - a.Accounted
}

// UsageChange is delivered to subscribers on user-initiated transitions.
type UsageChange struct {
	UserID   string
	DeviceID string
	Started  bool
	At       time.Time
	Account  Account
}
