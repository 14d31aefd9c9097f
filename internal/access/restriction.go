package access

import (
	"context"
	"sort"
	"time"
)

// Restriction is a reason a device is denied access.
type Restriction string

const (
	// TimeFrame: the device is outside every time contingent of its profile.
	TimeFrame Restriction = "TIME_FRAME"
	// UsageTimeDisabled: quota mode is on and the user has not started usage.
	UsageTimeDisabled Restriction = "USAGE_TIME_DISABLED"
	// MaxUsageTime: today's quota is used up.
	MaxUsageTime Restriction = "MAX_USAGE_TIME"
)

// RestrictionSet is the set of restrictions applying to a device.
type RestrictionSet map[Restriction]struct{}

// Add inserts r.
func (s RestrictionSet) Add(r Restriction) {
	s[r] = struct{}{}
}

// Has reports whether r is present.
func (s RestrictionSet) Has(r Restriction) bool {
	_, ok := s[r]
	return ok
}

// Sorted returns the restrictions in lexical order.
func (s RestrictionSet) Sorted() []Restriction {
	out := make([]Restriction, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the restrictions as sorted strings.
func (s RestrictionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, r := range sorted {
		out[i] = string(r)
	}
	return out
}

// Subject identifies whom an external source is asked about. At is local
// time in the configured zone.
type Subject struct {
	DeviceID  string
	UserID    string
	ProfileID string
	At        time.Time
}

// Source contributes additional restriction tags, e.g. from a policy engine.
type Source interface {
	Restrictions(ctx context.Context, subject Subject) ([]Restriction, error)
}
