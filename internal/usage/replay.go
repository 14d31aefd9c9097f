package usage

import (
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/storage"
)

// Replay folds a user's event log into the account it describes at now.
// The live engine applies the same transitions, so a replay of the
// persisted log reproduces the in-memory state.
func Replay(userID string, events []storage.UsageEvent, interval time.Duration, loc *time.Location, now time.Time) Account {
	acc := newAccount(userID)
	for _, ev := range events {
		acc, _ = apply(acc, ev, interval, loc)
	}
	return rollover(acc, now, loc)
}

// rollover resets the account when t falls on a later local day. An open
// session stays open and its span is re-anchored at the new midnight.
func rollover(acc Account, t time.Time, loc *time.Location) Account {
	day := clock.StartOfDay(t, loc)
	if !acc.Day.IsZero() && !day.After(acc.Day) {
		return acc
	}

	acc.Day = day
	acc.Accounted = 0
	acc.Used = 0
	acc.Allowed = true
	acc.SpanCharged = 0
	if acc.Active {
		acc.SpanStart = day
	} else {
		acc.SpanStart = time.Time{}
	}
	return acc
}

// apply performs one transition and returns the accounted delta it charged.
// Redundant transitions (start while active, stop while inactive) are no-ops.
func apply(acc Account, ev storage.UsageEvent, interval time.Duration, loc *time.Location) (Account, time.Duration) {
	acc = rollover(acc, ev.Timestamp, loc)

	if ev.Started {
		if acc.Active {
			return acc, 0
		}
		acc.Active = true
		acc.SessionStart = ev.Timestamp
		paidUntil := acc.SpanStart.Add(acc.SpanCharged)
		if acc.SpanStart.IsZero() || ev.Timestamp.Before(acc.SpanStart) || !ev.Timestamp.Before(paidUntil) {
			acc.SpanStart = ev.Timestamp
			acc.SpanCharged = 0
		}
		return acc, 0
	}

	if !acc.Active {
		return acc, 0
	}

	elapsed := ev.Timestamp.Sub(chargeStart(acc))
	total := roundUp(elapsed, interval)
	var delta time.Duration
	if total > acc.SpanCharged {
		delta = total - acc.SpanCharged
		acc.Accounted += delta
		acc.SpanCharged = total
	}

	used := ev.Timestamp.Sub(maxTime(acc.SessionStart, acc.Day))
	if used < 0 {
		used = 0
	}
	acc.Used = used
	acc.Active = false
	acc.SessionStart = time.Time{}
	if ev.Reason == storage.ReasonQuota {
		acc.Allowed = false
	}
	return acc, delta
}

// chargeStart is where the current span starts being billed today.
func chargeStart(acc Account) time.Time {
	return maxTime(acc.SpanStart, acc.Day)
}

// projected returns the accounted total if the open session stopped at t.
func projected(acc Account, t time.Time, interval time.Duration) time.Duration {
	total := roundUp(t.Sub(chargeStart(acc)), interval)
	if total < acc.SpanCharged {
		total = acc.SpanCharged
	}
	return acc.Accounted - acc.SpanCharged + total
}

// quotaStop returns the instant at which the open session used up quota.
// The result is never before the session start nor after limit.
func quotaStop(acc Account, quota time.Duration, interval time.Duration, limit time.Time) time.Time {
	budget := roundUp(quota, interval) - (acc.Accounted - acc.SpanCharged)
	at := chargeStart(acc)
	if budget > 0 {
		at = at.Add(budget)
	}
	at = maxTime(at, acc.SessionStart)
	if at.After(limit) {
		at = limit
	}
	return at
}

// roundUp rounds d up to a whole number of intervals. Any positive duration
// costs at least one interval; zero or negative costs nothing.
func roundUp(d, interval time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n := (d + interval - 1) / interval
	return n * interval
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
