package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/telemetry"
	"github.com/rs/zerolog"
)

// memoryLog is an EventLog that can be told to fail.
type memoryLog struct {
	mu     sync.Mutex
	events map[string][]storage.UsageEvent
	// fail rejects appends; failAfterWrite stores the event and still errors.
	fail           bool
	failAfterWrite bool
}

func newMemoryLog() *memoryLog {
	return &memoryLog{events: make(map[string][]storage.UsageEvent)}
}

func (l *memoryLog) Append(_ context.Context, ev storage.UsageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errors.New("store unavailable")
	}
	dup := false
	for _, existing := range l.events[ev.UserID] {
		if existing.ID == ev.ID {
			dup = true
			break
		}
	}
	if !dup {
		l.events[ev.UserID] = append(l.events[ev.UserID], ev)
	}
	if l.failAfterWrite {
		return errors.New("connection reset after write")
	}
	return nil
}

func (l *memoryLog) Load(_ context.Context, userID string) ([]storage.UsageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.UsageEvent(nil), l.events[userID]...), nil
}

func (l *memoryLog) Users(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	users := make([]string, 0, len(l.events))
	for u := range l.events {
		users = append(users, u)
	}
	return users, nil
}

func (l *memoryLog) DeleteBefore(_ context.Context, userID string, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := l.events[userID]
	n := 0
	for n < len(events) && events[n].Timestamp.Before(cutoff) {
		n++
	}
	l.events[userID] = events[n:]
	return n, nil
}

func (l *memoryLog) count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events[userID])
}

type fixture struct {
	engine   *Engine
	log      *memoryLog
	clock    *clock.TestClock
	activity *telemetry.Recorder
	repo     *profile.MemoryRepository
	loc      *time.Location
}

// newFixture wires an engine for user alice on device tablet.
func newFixture(t *testing.T, loc *time.Location, start time.Time, p profile.Profile) *fixture {
	t.Helper()
	if p.ID == "" {
		p.ID = "child"
	}
	repo := profile.NewMemoryRepository(profile.Catalog{
		Devices: []profile.Device{
			{ID: "tablet", UserID: "alice"},
			{ID: "phone", UserID: "alice"},
			{ID: "tv"},
		},
		Users:    []profile.User{{ID: "alice", ProfileID: p.ID}},
		Profiles: []profile.Profile{p},
	})
	f := &fixture{
		log:      newMemoryLog(),
		clock:    clock.NewTestClock(start),
		activity: telemetry.NewRecorder(),
		repo:     repo,
		loc:      loc,
	}
	f.engine = NewEngine(repo, f.log, f.activity, f.clock, clock.FixedZone{Loc: loc},
		Config{Interval: 5 * time.Minute, IdleTimeout: 10 * time.Minute}, zerolog.Nop())
	if err := f.engine.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return f
}

func (f *fixture) start(t *testing.T, at time.Time) bool {
	t.Helper()
	f.clock.Set(at)
	allowed, err := f.engine.StartUsage(context.Background(), "tablet")
	if err != nil {
		t.Fatalf("StartUsage() error = %v", err)
	}
	return allowed
}

func (f *fixture) stop(t *testing.T, at time.Time) {
	t.Helper()
	f.clock.Set(at)
	if err := f.engine.StopUsage(context.Background(), "tablet"); err != nil {
		t.Fatalf("StopUsage() error = %v", err)
	}
}

func (f *fixture) account(t *testing.T, at time.Time) {
	t.Helper()
	f.clock.Set(at)
	devices, _ := f.repo.Devices(context.Background())
	if err := f.engine.AccountUsages(context.Background(), devices); err != nil {
		t.Fatalf("AccountUsages() error = %v", err)
	}
}

func (f *fixture) assertReplayMatches(t *testing.T) {
	t.Helper()
	events, _ := f.log.Load(context.Background(), "alice")
	replayed := Replay("alice", events, 5*time.Minute, f.loc, f.clock.Now())
	live := f.engine.Account("alice")
	if replayed.Accounted != live.Accounted || replayed.Active != live.Active || replayed.Allowed != live.Allowed {
		t.Errorf("replay = {accounted %v active %v allowed %v}, live = {accounted %v active %v allowed %v}",
			replayed.Accounted, replayed.Active, replayed.Allowed, live.Accounted, live.Active, live.Allowed)
	}
}

func at(loc *time.Location, day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, loc)
}

func TestRoundingLaw(t *testing.T) {
	tests := []struct {
		name        string
		from, till  int // minutes after midnight
		wantCharged time.Duration
	}{
		{"00:00-00:04", 0, 4, 5 * time.Minute},
		{"00:00-00:05", 0, 5, 5 * time.Minute},
		{"00:01-00:06", 1, 6, 5 * time.Minute},
		{"00:00-00:06", 0, 6, 10 * time.Minute},
		{"00:10-01:10", 10, 70, 60 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.UTC, at(time.UTC, 1, 0, 0), profile.Profile{})
			f.start(t, at(time.UTC, 1, 0, tt.from))
			f.stop(t, at(time.UTC, 1, 0, tt.till))

			acc := f.engine.Account("alice")
			if acc.Accounted != tt.wantCharged {
				t.Errorf("accounted = %v, want %v", acc.Accounted, tt.wantCharged)
			}
			if acc.Accounted%(5*time.Minute) != 0 {
				t.Errorf("accounted %v is not a multiple of the interval", acc.Accounted)
			}
			if acc.Used != time.Duration(tt.till-tt.from)*time.Minute {
				t.Errorf("used = %v, want raw elapsed", acc.Used)
			}
			f.assertReplayMatches(t)
		})
	}
}

func TestMinimumChargeForInstantSession(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 9, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 9, 0))
	f.stop(t, at(time.UTC, 1, 9, 0).Add(time.Second))

	if got := f.engine.Account("alice").Accounted; got != 5*time.Minute {
		t.Errorf("accounted = %v, want 5m", got)
	}
}

func TestMidnightReset(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 23, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 23, 45))
	f.stop(t, at(time.UTC, 2, 0, 15))

	acc := f.engine.Account("alice")
	if acc.Accounted != 15*time.Minute {
		t.Errorf("accounted = %v, want 15m", acc.Accounted)
	}
	if !acc.Day.Equal(at(time.UTC, 2, 0, 0)) {
		t.Errorf("day = %v, want Jan 2", acc.Day)
	}
	f.assertReplayMatches(t)
}

func TestDayRolloverDuringOpenSession(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 23, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 23, 0))
	f.account(t, at(time.UTC, 2, 0, 30))

	acc := f.engine.Account("alice")
	if !acc.Active {
		t.Fatal("session should remain open across midnight")
	}
	if acc.Accounted != 0 || acc.Used != 0 {
		t.Errorf("expected reset counters, got accounted %v used %v", acc.Accounted, acc.Used)
	}
	if !acc.SpanStart.Equal(at(time.UTC, 2, 0, 0)) {
		t.Errorf("span start = %v, want midnight", acc.SpanStart)
	}
}

func TestDaylightSavingTransitions(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		day  time.Time
		want time.Duration
	}{
		{"spring forward", time.Date(2024, 3, 31, 0, 0, 0, 0, berlin), 5 * time.Hour},
		{"fall back", time.Date(2024, 10, 27, 0, 0, 0, 0, berlin), 7 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, berlin, tt.day, profile.Profile{})
			f.start(t, tt.day)
			f.stop(t, time.Date(tt.day.Year(), tt.day.Month(), tt.day.Day(), 6, 0, 0, 0, berlin))

			if got := f.engine.Account("alice").Accounted; got != tt.want {
				t.Errorf("accounted = %v, want %v", got, tt.want)
			}
			f.assertReplayMatches(t)
		})
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})

	f.stop(t, at(time.UTC, 1, 8, 0))
	if f.log.count("alice") != 0 {
		t.Fatal("stop while inactive must not append")
	}

	if !f.start(t, at(time.UTC, 1, 8, 0)) {
		t.Fatal("expected allowed")
	}
	if !f.start(t, at(time.UTC, 1, 8, 10)) {
		t.Fatal("expected allowed on redundant start")
	}
	// the second device of the same user shares the session
	f.clock.Set(at(time.UTC, 1, 8, 12))
	if _, err := f.engine.StartUsage(context.Background(), "phone"); err != nil {
		t.Fatalf("StartUsage(phone) error = %v", err)
	}
	if f.log.count("alice") != 1 {
		t.Errorf("events = %d, want 1", f.log.count("alice"))
	}

	acc := f.engine.Account("alice")
	if !acc.SessionStart.Equal(at(time.UTC, 1, 8, 0)) {
		t.Errorf("session start = %v, want 08:00", acc.SessionStart)
	}

	f.stop(t, at(time.UTC, 1, 8, 30))
	f.stop(t, at(time.UTC, 1, 8, 40))
	if f.log.count("alice") != 2 {
		t.Errorf("events = %d, want 2", f.log.count("alice"))
	}
}

func TestUnknownDevice(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})

	for _, device := range []string{"tv", "missing"} {
		if _, err := f.engine.StartUsage(context.Background(), device); !errors.Is(err, ErrUnknownDevice) {
			t.Errorf("StartUsage(%s) error = %v, want ErrUnknownDevice", device, err)
		}
	}
}

func TestQuotaEnforcement(t *testing.T) {
	monday := at(time.UTC, 1, 0, 0) // 2024-01-01 is a Monday
	p := profile.Profile{
		ControlmodeMaxUsage: true,
		MaxUsageMinutes:     map[time.Weekday]int{time.Monday: 120},
	}
	f := newFixture(t, time.UTC, monday, p)

	f.start(t, monday)

	f.account(t, at(time.UTC, 1, 2, 0))
	acc := f.engine.Account("alice")
	if !acc.Allowed || !acc.Active {
		t.Fatalf("at 02:00 expected active and allowed, got %+v", acc)
	}

	f.account(t, at(time.UTC, 1, 2, 1))
	acc = f.engine.Account("alice")
	if acc.Allowed {
		t.Error("at 02:01 expected allowed=false")
	}
	if acc.Active {
		t.Error("quota stop should close the session")
	}
	if acc.Accounted != 120*time.Minute {
		t.Errorf("accounted = %v, want 120m", acc.Accounted)
	}

	events, _ := f.log.Load(context.Background(), "alice")
	last := events[len(events)-1]
	if last.Reason != storage.ReasonQuota || !last.Timestamp.Equal(at(time.UTC, 1, 2, 0)) {
		t.Errorf("last event = %+v, want quota stop at 02:00", last)
	}
	f.assertReplayMatches(t)

	// starting again the same day is reported as not allowed
	if f.start(t, at(time.UTC, 1, 3, 0)) {
		t.Error("expected StartUsage to report not allowed")
	}
	f.account(t, at(time.UTC, 1, 3, 5))
	acc = f.engine.Account("alice")
	if acc.Active || acc.Accounted != 120*time.Minute {
		t.Errorf("expected immediate quota stop without extra charge, got %+v", acc)
	}

	// the next day starts allowed again
	f.account(t, at(time.UTC, 2, 0, 1))
	if !f.engine.Account("alice").Allowed {
		t.Error("expected allowed after midnight")
	}
	f.assertReplayMatches(t)
}

func TestQuotaZeroWhenContingentsButNoEntry(t *testing.T) {
	tuesday := at(time.UTC, 2, 10, 0)
	p := profile.Profile{
		ControlmodeMaxUsage: true,
		Contingents:         []profile.Contingent{{Day: profile.AnyWeekday, From: 0, Till: profile.MinutesPerDay}},
		MaxUsageMinutes:     map[time.Weekday]int{time.Monday: 60},
	}
	f := newFixture(t, time.UTC, tuesday, p)

	f.start(t, tuesday)
	f.account(t, tuesday.Add(time.Minute))

	acc := f.engine.Account("alice")
	if acc.Allowed || acc.Active {
		t.Errorf("expected no access, got %+v", acc)
	}
	if acc.Accounted != 0 {
		t.Errorf("accounted = %v, want 0", acc.Accounted)
	}
}

func TestRapidTogglesChargeOnce(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 10, 0), profile.Profile{})

	f.start(t, at(time.UTC, 1, 10, 0))
	f.stop(t, at(time.UTC, 1, 10, 1))
	f.start(t, at(time.UTC, 1, 10, 2))
	f.stop(t, at(time.UTC, 1, 10, 3))

	if got := f.engine.Account("alice").Accounted; got != 5*time.Minute {
		t.Errorf("after two toggles inside one interval accounted = %v, want 5m", got)
	}

	f.start(t, at(time.UTC, 1, 10, 4))
	f.stop(t, at(time.UTC, 1, 10, 7))
	if got := f.engine.Account("alice").Accounted; got != 10*time.Minute {
		t.Errorf("outer span 10:00-10:07 accounted = %v, want 10m", got)
	}

	// a start after the paid window opens a new span
	f.start(t, at(time.UTC, 1, 11, 0))
	f.stop(t, at(time.UTC, 1, 11, 1))
	if got := f.engine.Account("alice").Accounted; got != 15*time.Minute {
		t.Errorf("accounted = %v, want 15m", got)
	}
	f.assertReplayMatches(t)
}

func TestPersistenceFailureRetry(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 9, 0), profile.Profile{})

	f.log.fail = true
	f.clock.Set(at(time.UTC, 1, 9, 0))
	if _, err := f.engine.StartUsage(context.Background(), "tablet"); err == nil {
		t.Fatal("expected persistence error")
	}
	if !f.engine.Account("alice").Active {
		t.Fatal("in-memory transition must be kept")
	}
	if f.engine.PendingEvents() != 1 {
		t.Fatalf("pending = %d, want 1", f.engine.PendingEvents())
	}

	// ambiguous failure: written but reported as failed
	f.log.fail = false
	f.log.failAfterWrite = true
	f.clock.Set(at(time.UTC, 1, 9, 20))
	if err := f.engine.StopUsage(context.Background(), "tablet"); err == nil {
		t.Fatal("expected persistence error")
	}

	f.log.failAfterWrite = false
	f.account(t, at(time.UTC, 1, 9, 21))

	if f.engine.PendingEvents() != 0 {
		t.Errorf("pending = %d, want 0", f.engine.PendingEvents())
	}
	if n := f.log.count("alice"); n != 2 {
		t.Fatalf("events = %d, want 2", n)
	}
	if got := f.engine.Account("alice").Accounted; got != 20*time.Minute {
		t.Errorf("accounted = %v, want 20m", got)
	}
	f.assertReplayMatches(t)
}

func TestIdleAutoOff(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 10, 0), profile.Profile{})

	f.start(t, at(time.UTC, 1, 10, 0))
	f.activity.Touch("phone", at(time.UTC, 1, 10, 20))

	f.account(t, at(time.UTC, 1, 10, 25))
	if !f.engine.Account("alice").Active {
		t.Fatal("activity within timeout must keep the session open")
	}

	f.account(t, at(time.UTC, 1, 10, 31))
	acc := f.engine.Account("alice")
	if acc.Active {
		t.Fatal("expected idle auto-off")
	}
	if !acc.Allowed {
		t.Error("auto-off must not revoke allowed")
	}
	if acc.Accounted != 20*time.Minute {
		t.Errorf("accounted = %v, want 20m (stopped at last activity)", acc.Accounted)
	}

	events, _ := f.log.Load(context.Background(), "alice")
	last := events[len(events)-1]
	if last.Reason != storage.ReasonIdle || !last.Timestamp.Equal(at(time.UTC, 1, 10, 20)) {
		t.Errorf("last event = %+v, want idle stop at 10:20", last)
	}
	f.assertReplayMatches(t)
}

func TestIdleIgnoresStaleActivity(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 10, 0), profile.Profile{})

	f.activity.Touch("tablet", at(time.UTC, 1, 9, 50))
	f.start(t, at(time.UTC, 1, 10, 0))
	f.account(t, at(time.UTC, 1, 10, 45))

	if !f.engine.Account("alice").Active {
		t.Error("activity before session start must be ignored")
	}
}

func TestSubscribeUserTransitionsOnly(t *testing.T) {
	monday := at(time.UTC, 1, 0, 0)
	p := profile.Profile{
		ControlmodeMaxUsage: true,
		MaxUsageMinutes:     map[time.Weekday]int{time.Monday: 10},
	}
	f := newFixture(t, time.UTC, monday, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := f.engine.Subscribe(ctx)

	f.start(t, monday)
	select {
	case change := <-changes:
		if !change.Started || change.UserID != "alice" || change.DeviceID != "tablet" {
			t.Errorf("unexpected change %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("expected start notification")
	}

	f.account(t, at(time.UTC, 1, 0, 30))
	if f.engine.Account("alice").Active {
		t.Fatal("expected quota stop")
	}
	select {
	case change := <-changes:
		t.Errorf("quota stop must not notify, got %+v", change)
	default:
	}
}

func TestInitRebuildsFromLog(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 8, 0))
	f.stop(t, at(time.UTC, 1, 8, 12))
	f.start(t, at(time.UTC, 1, 9, 0))

	restarted := NewEngine(f.repo, f.log, f.activity, f.clock, clock.FixedZone{Loc: time.UTC},
		Config{Interval: 5 * time.Minute}, zerolog.Nop())
	if err := restarted.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	acc := restarted.Account("alice")
	if acc.Accounted != 15*time.Minute || !acc.Active {
		t.Errorf("rebuilt account = %+v, want accounted 15m active", acc)
	}
	if fresh := restarted.Account("bob"); fresh.Active || !fresh.Allowed || fresh.Accounted != 0 {
		t.Errorf("unknown user account = %+v", fresh)
	}
}

func TestAccountForDevice(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 8, 0))

	acc, err := f.engine.AccountForDevice(context.Background(), "phone")
	if err != nil {
		t.Fatalf("AccountForDevice() error = %v", err)
	}
	if acc.UserID != "alice" || !acc.Active {
		t.Errorf("account = %+v", acc)
	}
}

func TestZoneFailure(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})
	f.engine.zone = clock.NewStaticZone("Nowhere/Special")

	if _, err := f.engine.StartUsage(context.Background(), "tablet"); !errors.Is(err, clock.ErrInvalidZone) {
		t.Errorf("error = %v, want ErrInvalidZone", err)
	}
}
