package profile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/clock"
)

// ErrNotFound is returned when a device, user or profile cannot be resolved.
var ErrNotFound = errors.New("profile: not found")

// ErrInvalidContingent marks a malformed time window.
var ErrInvalidContingent = errors.New("profile: invalid contingent")

// MinutesPerDay is the exclusive upper bound of a minute-of-day.
const MinutesPerDay = 24 * 60

// DaySelector selects the calendar days a Contingent applies to.
// Values 1..7 are ISO weekdays (Monday=1).
type DaySelector int

const (
	Monday DaySelector = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
	AnyWeekday
	AnyWeekendDay
)

var daySelectorNames = map[DaySelector]string{
	Monday:        "monday",
	Tuesday:       "tuesday",
	Wednesday:     "wednesday",
	Thursday:      "thursday",
	Friday:        "friday",
	Saturday:      "saturday",
	Sunday:        "sunday",
	AnyWeekday:    "weekday",
	AnyWeekendDay: "weekend",
}

func (d DaySelector) String() string {
	if name, ok := daySelectorNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DaySelector(%d)", int(d))
}

// Includes reports whether ISO weekday w (1..7) is selected.
func (d DaySelector) Includes(w int) bool {
	switch d {
	case AnyWeekday:
		return w >= 1 && w <= 5
	case AnyWeekendDay:
		return w == 6 || w == 7
	default:
		return int(d) == w
	}
}

// ParseDaySelector accepts full or abbreviated day names, ISO numbers,
// and "weekday"/"weekend".
func ParseDaySelector(s string) (DaySelector, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 1 || n > 7 {
			return 0, fmt.Errorf("day number out of range: %d", n)
		}
		return DaySelector(n), nil
	}
	switch s {
	case "weekday", "weekdays", "any_weekday":
		return AnyWeekday, nil
	case "weekend", "weekends", "any_weekend_day":
		return AnyWeekendDay, nil
	}
	for sel, name := range daySelectorNames {
		if sel > Sunday {
			continue
		}
		if s == name || s == name[:3] {
			return sel, nil
		}
	}
	return 0, fmt.Errorf("invalid day: %s", s)
}

// Contingent is an allowed time window [From, Till) in minutes of day.
type Contingent struct {
	Day  DaySelector
	From int
	Till int
}

// Validate checks the window bounds.
func (c Contingent) Validate() error {
	if c.Day < Monday || c.Day > AnyWeekendDay {
		return fmt.Errorf("%w: day selector %d", ErrInvalidContingent, int(c.Day))
	}
	if c.From < 0 || c.Till > MinutesPerDay || c.From >= c.Till {
		return fmt.Errorf("%w: %s %s-%s", ErrInvalidContingent, c.Day, FormatMinute(c.From), FormatMinute(c.Till))
	}
	return nil
}

// Matches reports whether local wall-clock time t falls inside the window.
// t must already be expressed in the zone the contingent is defined for.
func (c Contingent) Matches(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	return m >= c.From && m < c.Till && c.Day.Includes(clock.ISOWeekday(t))
}

func (c Contingent) String() string {
	return fmt.Sprintf("%s %s-%s", c.Day, FormatMinute(c.From), FormatMinute(c.Till))
}

// Profile holds the access policy applied to a user.
type Profile struct {
	ID                  string
	Name                string
	ControlmodeTime     bool
	ControlmodeMaxUsage bool
	Contingents         []Contingent
	MaxUsageMinutes     map[time.Weekday]int
}

// Validate checks all contingents of the profile.
func (p *Profile) Validate() error {
	for _, c := range p.Contingents {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.ID, err)
		}
	}
	for day, minutes := range p.MaxUsageMinutes {
		if minutes < 0 {
			return fmt.Errorf("profile %s: negative quota for %s", p.ID, day)
		}
	}
	return nil
}

// DailyQuota returns the usage budget for the given weekday. The second
// result is false when usage is unlimited.
//
// A profile with quota enforcement but no entry for the day grants nothing
// when it also defines time windows; without windows the profile is treated
// as incomplete and fails open.
func (p *Profile) DailyQuota(day time.Weekday) (time.Duration, bool) {
	if p == nil || !p.ControlmodeMaxUsage {
		return 0, false
	}
	if minutes, ok := p.MaxUsageMinutes[day]; ok {
		return time.Duration(minutes) * time.Minute, true
	}
	if len(p.Contingents) > 0 {
		return 0, true
	}
	return 0, false
}

// Device is a network client known to the gateway.
type Device struct {
	ID        string
	Name      string
	UserID    string
	Addresses []string
}

// User owns devices and is bound to one profile.
type User struct {
	ID        string
	Name      string
	ProfileID string
}

// ParseMinute parses "HH:MM" into minutes of day. "24:00" is accepted as the
// end of day.
func ParseMinute(s string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("time must be in HH:MM format: %s", s)
	}
	if hour == 24 && minute == 0 {
		return MinutesPerDay, nil
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid time: %s", s)
	}
	return hour*60 + minute, nil
}

// FormatMinute renders minutes of day as HH:MM.
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
