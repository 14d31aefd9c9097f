// Package driver runs the periodic scheduler and accounting passes.
package driver

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
	"github.com/goodtune/kguard/internal/schedule"
	"github.com/rs/zerolog"
)

// Scheduler recomputes the restricted set.
type Scheduler interface {
	Update(ctx context.Context, now time.Time) error
}

// Accounter charges elapsed usage for the given devices.
type Accounter interface {
	AccountUsages(ctx context.Context, devices []profile.Device) error
}

type faultState struct {
	err error
}

// Driver ticks the scheduler and the usage engine at a fixed cadence.
type Driver struct {
	scheduler Scheduler
	accounter Accounter
	repo      profile.Repository
	clock     clock.Clock
	cadence   time.Duration
	logger    zerolog.Logger

	fault atomic.Pointer[faultState]

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewDriver creates a driver ticking every cadence.
func NewDriver(scheduler Scheduler, accounter Accounter, repo profile.Repository, clk clock.Clock, cadence time.Duration, logger zerolog.Logger) *Driver {
	return &Driver{
		scheduler: scheduler,
		accounter: accounter,
		repo:      repo,
		clock:     clk,
		cadence:   cadence,
		logger:    logger.With().Str("component", "driver").Logger(),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start runs the driver in the background until Stop is called or ctx ends.
func (d *Driver) Start(ctx context.Context) {
	go func() {
		defer close(d.doneChan)
		d.Run(ctx)
	}()
}

// Stop ends the background loop and waits for the running pass to finish.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	<-d.doneChan
}

// Run executes a pass immediately and then at every tick.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info().Dur("cadence", d.cadence).Msg("Driver started")

	ticker := time.NewTicker(d.cadence)
	defer ticker.Stop()

	for {
		if err := d.RunOnce(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Pass failed, retrying next tick")
		}

		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Driver stopped")
			return
		case <-d.stopChan:
			d.logger.Info().Msg("Driver stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce updates the schedule and then accounts usage for all devices.
// Accounting still runs when the schedule update fails.
func (d *Driver) RunOnce(ctx context.Context) error {
	now := d.clock.Now()

	start := time.Now()
	schedErr := d.scheduler.Update(ctx, now)
	metrics.PassDuration.WithLabelValues("schedule").Observe(time.Since(start).Seconds())

	switch {
	case schedErr == nil:
		d.fault.Store(nil)
	case errors.Is(schedErr, schedule.ErrConfiguration):
		d.fault.Store(&faultState{err: schedErr})
	}

	start = time.Now()
	devices, err := d.repo.Devices(ctx)
	if err != nil {
		return errors.Join(schedErr, fmt.Errorf("failed to list devices: %w", err))
	}
	accountErr := d.accounter.AccountUsages(ctx, devices)
	metrics.PassDuration.WithLabelValues("accounting").Observe(time.Since(start).Seconds())

	if schedErr != nil {
		schedErr = fmt.Errorf("schedule update: %w", schedErr)
	}
	if accountErr != nil {
		accountErr = fmt.Errorf("usage accounting: %w", accountErr)
	}
	return errors.Join(schedErr, accountErr)
}

// Health reports the last configuration fault, or nil.
func (d *Driver) Health() error {
	if f := d.fault.Load(); f != nil {
		return f.err
	}
	return nil
}
