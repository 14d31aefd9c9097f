// Package access combines time-window and usage-quota state into a single
// access decision per device.
package access

import (
	"context"
	"errors"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/usage"
	"github.com/rs/zerolog"
)

// Schedule reports whether a device is outside its time contingents.
type Schedule interface {
	Restricted(deviceID string) bool
}

// Accounts resolves the usage account of a device's user.
type Accounts interface {
	AccountForDevice(ctx context.Context, deviceID string) (usage.Account, error)
}

// Decision answers whether a device may reach the internet right now.
type Decision struct {
	repo     profile.Repository
	schedule Schedule
	accounts Accounts
	clock    clock.Clock
	zone     clock.ZoneSource
	sources  []Source
	logger   zerolog.Logger
}

// NewDecision creates a decision over the scheduler, the usage engine and
// any additional restriction sources.
func NewDecision(repo profile.Repository, schedule Schedule, accounts Accounts, clk clock.Clock, zone clock.ZoneSource, logger zerolog.Logger, sources ...Source) *Decision {
	return &Decision{
		repo:     repo,
		schedule: schedule,
		accounts: accounts,
		clock:    clk,
		zone:     zone,
		sources:  sources,
		logger:   logger.With().Str("component", "access").Logger(),
	}
}

// IsAccessPermitted reports whether no restriction applies to the device.
func (d *Decision) IsAccessPermitted(ctx context.Context, deviceID string) bool {
	return len(d.Restrictions(ctx, deviceID)) == 0
}

// Restrictions returns every restriction currently applying to the device.
// Missing profile data and failing sources never restrict.
func (d *Decision) Restrictions(ctx context.Context, deviceID string) RestrictionSet {
	set := make(RestrictionSet)

	if d.schedule.Restricted(deviceID) {
		set.Add(TimeFrame)
	}

	subject := Subject{DeviceID: deviceID}

	p, err := d.repo.EffectiveProfile(ctx, deviceID)
	switch {
	case errors.Is(err, profile.ErrNotFound):
		p = nil
	case err != nil:
		d.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Cannot resolve profile, not restricting usage")
		p = nil
	}

	if p != nil {
		subject.ProfileID = p.ID
		if p.ControlmodeMaxUsage {
			d.addUsageRestrictions(ctx, deviceID, set, &subject)
		}
	}

	if len(d.sources) > 0 {
		d.addSourceRestrictions(ctx, set, subject)
	}

	return set
}

func (d *Decision) addUsageRestrictions(ctx context.Context, deviceID string, set RestrictionSet, subject *Subject) {
	acc, err := d.accounts.AccountForDevice(ctx, deviceID)
	if err != nil {
		d.logger.Debug().Err(err).Str("device_id", deviceID).Msg("No usage account for device")
		return
	}
	subject.UserID = acc.UserID

	switch {
	case !acc.Allowed:
		set.Add(MaxUsageTime)
	case !acc.Active:
		set.Add(UsageTimeDisabled)
	}
}

func (d *Decision) addSourceRestrictions(ctx context.Context, set RestrictionSet, subject Subject) {
	if subject.UserID == "" {
		if dev, err := d.repo.Device(ctx, subject.DeviceID); err == nil {
			subject.UserID = dev.UserID
		}
	}

	loc, err := d.zone.Location()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Cannot resolve timezone, skipping policy sources")
		return
	}
	subject.At = d.clock.Now().In(loc)

	for _, src := range d.sources {
		tags, err := src.Restrictions(ctx, subject)
		if err != nil {
			d.logger.Warn().Err(err).Str("device_id", subject.DeviceID).Msg("Restriction source failed, ignoring")
			continue
		}
		for _, tag := range tags {
			set.Add(tag)
		}
	}
}
