// Package schedule computes which devices are outside their weekly time
// contingents and publishes the restricted set.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/rs/zerolog"
)

var (
	// ErrConfiguration marks a pass aborted by bad settings or profile data.
	ErrConfiguration = errors.New("schedule: configuration fault")

	// ErrInvalidContingent is returned for windows outside 0 <= from < till <= 1440.
	ErrInvalidContingent = profile.ErrInvalidContingent
)

// FeatureFlags reports whether time-window enforcement is enabled.
type FeatureFlags interface {
	TimeRestrictionEnabled() bool
}

type faultState struct {
	err error
}

// Scheduler evaluates contingents on every Update and publishes the set of
// restricted devices. Reads never block.
type Scheduler struct {
	repo   profile.Repository
	flags  FeatureFlags
	zone   clock.ZoneSource
	logger zerolog.Logger

	updateMu sync.Mutex
	current  atomic.Pointer[RestrictedSet]
	fault    atomic.Pointer[faultState]

	subMu sync.Mutex
	subs  map[chan RestrictionChange]struct{}
}

// NewScheduler creates a scheduler with an empty restricted set.
func NewScheduler(repo profile.Repository, flags FeatureFlags, zone clock.ZoneSource, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		repo:   repo,
		flags:  flags,
		zone:   zone,
		logger: logger.With().Str("component", "scheduler").Logger(),
		subs:   make(map[chan RestrictionChange]struct{}),
	}
	empty := NewRestrictedSet()
	s.current.Store(&empty)
	s.fault.Store(&faultState{})
	return s
}

// Update recomputes the restricted set for now and notifies subscribers when
// it changed. A configuration fault aborts the pass, publishes nothing and
// puts the scheduler in the faulted state until the next good pass.
func (s *Scheduler) Update(ctx context.Context, now time.Time) error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	next, err := s.compute(ctx, now)
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			if s.Faulted() == nil {
				s.logger.Error().Err(err).Msg("Configuration fault, time restrictions suspended")
			}
			s.fault.Store(&faultState{err: err})
			metrics.SchedulerFaults.Inc()
		}
		return err
	}

	if prev := s.Faulted(); prev != nil {
		s.logger.Info().Msg("Configuration fault cleared")
		s.fault.Store(&faultState{})
	}

	metrics.RestrictedDevices.Set(float64(next.Len()))

	if s.current.Load().Equal(next) {
		return nil
	}
	s.current.Store(&next)
	metrics.RestrictionChanges.Inc()

	s.logger.Info().
		Strs("restricted", next.IDs()).
		Msg("Restricted device set changed")

	s.notify(RestrictionChange{Restricted: next, At: now})
	return nil
}

func (s *Scheduler) compute(ctx context.Context, now time.Time) (RestrictedSet, error) {
	if !s.flags.TimeRestrictionEnabled() {
		return NewRestrictedSet(), nil
	}

	loc, err := s.zone.Location()
	if err != nil {
		return RestrictedSet{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	local := now.In(loc)

	devices, err := s.repo.Devices(ctx)
	if err != nil {
		return RestrictedSet{}, fmt.Errorf("list devices: %w", err)
	}

	restricted := make([]string, 0)
	for _, d := range devices {
		p, err := s.repo.EffectiveProfile(ctx, d.ID)
		if errors.Is(err, profile.ErrNotFound) {
			continue
		}
		if err != nil {
			return RestrictedSet{}, fmt.Errorf("resolve profile for %s: %w", d.ID, err)
		}

		limited, err := outsideContingents(p, local)
		if err != nil {
			return RestrictedSet{}, fmt.Errorf("%w: profile %s: %w", ErrConfiguration, p.ID, err)
		}
		if limited {
			restricted = append(restricted, d.ID)
		}
	}

	return NewRestrictedSet(restricted...), nil
}

// outsideContingents reports whether local falls outside every window of p.
// Profiles without time control or without windows never restrict.
func outsideContingents(p *profile.Profile, local time.Time) (bool, error) {
	if !p.ControlmodeTime || len(p.Contingents) == 0 {
		return false, nil
	}
	for _, c := range p.Contingents {
		if err := c.Validate(); err != nil {
			return false, err
		}
	}
	for _, c := range p.Contingents {
		if c.Matches(local) {
			return false, nil
		}
	}
	return true, nil
}

// Restricted reports whether the device is outside its contingents. Always
// false while faulted.
func (s *Scheduler) Restricted(deviceID string) bool {
	if s.Faulted() != nil {
		return false
	}
	return s.current.Load().Contains(deviceID)
}

// Snapshot returns the published set, or an empty set while faulted.
func (s *Scheduler) Snapshot() RestrictedSet {
	if s.Faulted() != nil {
		return NewRestrictedSet()
	}
	return *s.current.Load()
}

// Faulted returns the configuration fault of the last pass, if any.
func (s *Scheduler) Faulted() error {
	return s.fault.Load().err
}

// Subscribe delivers restriction changes until ctx is done. A subscriber
// that falls behind only sees the newest set.
func (s *Scheduler) Subscribe(ctx context.Context) <-chan RestrictionChange {
	ch := make(chan RestrictionChange, 1)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Scheduler) notify(change RestrictionChange) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- change:
			continue
		default:
		}
		// drop the stale change and deliver the newest
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- change:
		default:
		}
	}
}
