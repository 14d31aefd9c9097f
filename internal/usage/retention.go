package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/rs/zerolog"
)

// Compact deletes events older than retention from every user's log. Events
// still needed to rebuild today's account are kept: everything since local
// midnight and the start of any session that was open at midnight.
func (e *Engine) Compact(ctx context.Context, retention time.Duration) (int, error) {
	loc, err := e.zone.Location()
	if err != nil {
		return 0, err
	}

	users, err := e.events.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	now := e.clock.Now()
	midnight := clock.StartOfDay(now, loc)
	cutoff := now.Add(-retention)
	if cutoff.After(midnight) {
		cutoff = midnight
	}

	total := 0
	for _, userID := range users {
		n, err := e.compactUser(ctx, userID, cutoff, midnight)
		if err != nil {
			return total, fmt.Errorf("compact %s: %w", userID, err)
		}
		total += n
	}
	return total, nil
}

func (e *Engine) compactUser(ctx context.Context, userID string, cutoff, midnight time.Time) (int, error) {
	gate := e.gate(userID)
	gate.Lock()
	defer gate.Unlock()

	events, err := e.events.Load(ctx, userID)
	if err != nil {
		return 0, err
	}

	// Find the start of the session open at midnight, if any.
	var openStart time.Time
	active := false
	for _, ev := range events {
		if !ev.Timestamp.Before(midnight) {
			break
		}
		switch {
		case ev.Started && !active:
			active = true
			openStart = ev.Timestamp
		case !ev.Started && active:
			active = false
		}
	}
	if active && openStart.Before(cutoff) {
		cutoff = openStart
	}

	return e.events.DeleteBefore(ctx, userID, cutoff)
}

// Compactor trims old usage events.
type Compactor interface {
	Compact(ctx context.Context, retention time.Duration) (int, error)
}

// RetentionScheduler compacts the event log once a day
type RetentionScheduler struct {
	compactor Compactor
	retention time.Duration
	resetTime time.Time // Time of day to compact (only hour and minute are used)
	zone      clock.ZoneSource
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler
func NewRetentionScheduler(compactor Compactor, retention time.Duration, resetTime string, zone clock.ZoneSource, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}

	return &RetentionScheduler{
		compactor: compactor,
		retention: retention,
		resetTime: parsedTime,
		zone:      zone,
		logger:    logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Dur("retention", rs.retention).
		Msg("Usage event retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Usage event retention scheduler stopped")
}

func (rs *RetentionScheduler) run() {
	for {
		loc, err := rs.zone.Location()
		if err != nil {
			rs.logger.Error().Err(err).Msg("Cannot resolve timezone, retrying in an hour")
			loc = nil
		}

		var wait time.Duration
		if loc == nil {
			wait = time.Hour
		} else {
			nextRun := rs.calculateNextRun(time.Now(), loc)
			wait = time.Until(nextRun)
			rs.logger.Info().
				Time("next_run", nextRun).
				Dur("wait_duration", wait).
				Msg("Scheduled next event compaction")
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			if loc != nil {
				rs.perform()
			}
		case <-rs.stopChan:
			timer.Stop()
			return
		}
	}
}

// calculateNextRun returns the next occurrence of the reset time after now
func (rs *RetentionScheduler) calculateNextRun(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	today := time.Date(
		local.Year(), local.Month(), local.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		loc,
	)

	if !now.Before(today) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

func (rs *RetentionScheduler) perform() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := rs.compactor.Compact(ctx, rs.retention)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to compact usage events")
		return
	}
	rs.logger.Info().
		Int("events_deleted", deleted).
		Msg("Usage event compaction complete")
}
