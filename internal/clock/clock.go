package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInvalidZone is returned when the configured timezone cannot be resolved.
var ErrInvalidZone = errors.New("clock: invalid timezone")

// Clock provides time information for scheduling and accounting.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides controllable time for testing.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewTestClock returns a TestClock set to t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{CurrentTime: t}
}

// Now returns the test time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

// Set moves the clock to t.
func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	c.CurrentTime = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.CurrentTime = c.CurrentTime.Add(d)
	c.mu.Unlock()
}

// ZoneSource resolves the zone used for calendar-day and time-window arithmetic.
// It is consulted on every pass so a settings change takes effect without restart.
type ZoneSource interface {
	Location() (*time.Location, error)
}

// StaticZone resolves a zone by IANA name.
type StaticZone struct {
	mu   sync.RWMutex
	name string
	loc  *time.Location
}

// NewStaticZone returns a zone source for name. Resolution errors surface from Location.
func NewStaticZone(name string) *StaticZone {
	z := &StaticZone{}
	z.SetName(name)
	return z
}

// SetName replaces the zone name, e.g. after a configuration reload.
func (z *StaticZone) SetName(name string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.name = name
	z.loc = nil
	if loc, err := LoadLocation(name); err == nil {
		z.loc = loc
	}
}

// Location returns the resolved zone.
func (z *StaticZone) Location() (*time.Location, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	if z.loc == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, z.name)
	}
	return z.loc, nil
}

// FixedZone is a ZoneSource for an already-resolved location.
type FixedZone struct {
	Loc *time.Location
}

// Location returns the fixed location.
func (z FixedZone) Location() (*time.Location, error) {
	if z.Loc == nil {
		return nil, fmt.Errorf("%w: nil location", ErrInvalidZone)
	}
	return z.Loc, nil
}

// LoadLocation resolves an IANA zone name. The empty name is rejected rather
// than silently mapped to UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidZone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	return loc, nil
}

// StartOfDay returns local midnight of the calendar day containing t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// DayKey returns the calendar day of t in loc as YYYY-MM-DD.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// ISOWeekday returns the ISO-8601 weekday (Monday=1 .. Sunday=7).
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
