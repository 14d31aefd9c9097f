package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/schedule"
	"github.com/rs/zerolog"
)

type fakeScheduler struct {
	mu    sync.Mutex
	err   error
	calls []time.Time
}

func (f *fakeScheduler) Update(_ context.Context, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.err
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAccounter struct {
	mu      sync.Mutex
	devices []profile.Device
	err     error
}

func (f *fakeAccounter) AccountUsages(_ context.Context, devices []profile.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
	return f.err
}

func testRepo() *profile.MemoryRepository {
	return profile.NewMemoryRepository(profile.Catalog{
		Devices:  []profile.Device{{ID: "tablet", UserID: "alice"}},
		Users:    []profile.User{{ID: "alice", ProfileID: "kids"}},
		Profiles: []profile.Profile{{ID: "kids"}},
	})
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched := &fakeScheduler{}
	acct := &fakeAccounter{}
	d := NewDriver(sched, acct, testRepo(), clock.NewTestClock(now), time.Minute, zerolog.Nop())

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(sched.calls) != 1 || !sched.calls[0].Equal(now) {
		t.Errorf("scheduler calls = %v, want [%v]", sched.calls, now)
	}
	if len(acct.devices) != 1 || acct.devices[0].ID != "tablet" {
		t.Errorf("accounted devices = %v", acct.devices)
	}
	if d.Health() != nil {
		t.Errorf("Health() = %v, want nil", d.Health())
	}
}

func TestConfigurationFaultMarksUnhealthy(t *testing.T) {
	sched := &fakeScheduler{err: fmt.Errorf("%w: %w", schedule.ErrConfiguration, clock.ErrInvalidZone)}
	acct := &fakeAccounter{}
	d := NewDriver(sched, acct, testRepo(), clock.RealClock{}, time.Minute, zerolog.Nop())

	err := d.RunOnce(context.Background())
	if !errors.Is(err, schedule.ErrConfiguration) {
		t.Fatalf("RunOnce() error = %v, want ErrConfiguration", err)
	}
	if acct.devices == nil {
		t.Error("accounting should still run after a schedule fault")
	}
	if !errors.Is(d.Health(), clock.ErrInvalidZone) {
		t.Errorf("Health() = %v, want invalid zone", d.Health())
	}

	sched.err = nil
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if d.Health() != nil {
		t.Error("fault should clear after a good pass")
	}
}

func TestTransientErrorKeepsHealthy(t *testing.T) {
	sched := &fakeScheduler{}
	acct := &fakeAccounter{err: errors.New("store unavailable")}
	d := NewDriver(sched, acct, testRepo(), clock.RealClock{}, time.Minute, zerolog.Nop())

	if err := d.RunOnce(context.Background()); err == nil {
		t.Fatal("expected accounting error")
	}
	if d.Health() != nil {
		t.Errorf("Health() = %v, want nil", d.Health())
	}
}

func TestStartStop(t *testing.T) {
	sched := &fakeScheduler{}
	d := NewDriver(sched, &fakeAccounter{}, testRepo(), clock.RealClock{}, 10*time.Millisecond, zerolog.Nop())

	d.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for sched.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()

	if sched.count() < 3 {
		t.Errorf("passes = %d, want at least 3", sched.count())
	}
	after := sched.count()
	time.Sleep(30 * time.Millisecond)
	if sched.count() != after {
		t.Error("driver kept running after Stop")
	}
}
