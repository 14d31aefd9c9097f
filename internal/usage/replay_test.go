package usage

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/clock"
	"github.com/goodtune/kguard/internal/profile"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

func event(id string, ts time.Time, started bool, reason storage.Reason) storage.UsageEvent {
	return storage.UsageEvent{ID: id, UserID: "alice", Timestamp: ts, Started: started, Reason: reason}
}

func TestReplay(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		events        []storage.UsageEvent
		now           time.Time
		wantAccounted time.Duration
		wantActive    bool
		wantAllowed   bool
	}{
		{
			name:        "empty log",
			now:         day.Add(time.Hour),
			wantAllowed: true,
		},
		{
			name: "closed session",
			events: []storage.UsageEvent{
				event("1", day.Add(time.Hour), true, storage.ReasonUser),
				event("2", day.Add(time.Hour+7*time.Minute), false, storage.ReasonUser),
			},
			now:           day.Add(2 * time.Hour),
			wantAccounted: 10 * time.Minute,
			wantAllowed:   true,
		},
		{
			name: "redundant events ignored",
			events: []storage.UsageEvent{
				event("1", day.Add(time.Hour), true, storage.ReasonUser),
				event("2", day.Add(time.Hour+time.Minute), true, storage.ReasonUser),
				event("3", day.Add(time.Hour+4*time.Minute), false, storage.ReasonUser),
				event("4", day.Add(time.Hour+9*time.Minute), false, storage.ReasonUser),
			},
			now:           day.Add(2 * time.Hour),
			wantAccounted: 5 * time.Minute,
			wantAllowed:   true,
		},
		{
			name: "quota stop revokes allowed",
			events: []storage.UsageEvent{
				event("1", day, true, storage.ReasonUser),
				event("2", day.Add(2*time.Hour), false, storage.ReasonQuota),
			},
			now:           day.Add(3 * time.Hour),
			wantAccounted: 2 * time.Hour,
		},
		{
			name: "open session",
			events: []storage.UsageEvent{
				event("1", day.Add(time.Hour), true, storage.ReasonUser),
			},
			now:         day.Add(2 * time.Hour),
			wantActive:  true,
			wantAllowed: true,
		},
		{
			name: "previous day discarded",
			events: []storage.UsageEvent{
				event("1", day.Add(time.Hour), true, storage.ReasonUser),
				event("2", day.Add(3*time.Hour), false, storage.ReasonQuota),
			},
			now:         day.Add(25 * time.Hour),
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := Replay("alice", tt.events, 5*time.Minute, time.UTC, tt.now)
			if acc.Accounted != tt.wantAccounted {
				t.Errorf("accounted = %v, want %v", acc.Accounted, tt.wantAccounted)
			}
			if acc.Active != tt.wantActive {
				t.Errorf("active = %v, want %v", acc.Active, tt.wantActive)
			}
			if acc.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", acc.Allowed, tt.wantAllowed)
			}
		})
	}
}

func TestRoundUp(t *testing.T) {
	interval := 5 * time.Minute
	tests := map[time.Duration]time.Duration{
		-time.Minute:    0,
		0:               0,
		time.Nanosecond: interval,
		4 * time.Minute: interval,
		5 * time.Minute: interval,
		6 * time.Minute: 2 * interval,
	}
	for in, want := range tests {
		if got := roundUp(in, interval); got != want {
			t.Errorf("roundUp(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestCompactKeepsOpenSession(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 8, 0))
	f.stop(t, at(time.UTC, 1, 9, 0))
	f.start(t, at(time.UTC, 2, 20, 0))

	f.clock.Set(at(time.UTC, 4, 10, 0))
	deleted, err := f.engine.Compact(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	events, _ := f.log.Load(context.Background(), "alice")
	if len(events) != 1 || !events[0].Started {
		t.Fatalf("remaining events = %+v, want the open session start", events)
	}

	replayed := Replay("alice", events, 5*time.Minute, time.UTC, f.clock.Now())
	if !replayed.Active {
		t.Error("open session lost by compaction")
	}
}

func TestCompactKeepsToday(t *testing.T) {
	f := newFixture(t, time.UTC, at(time.UTC, 1, 8, 0), profile.Profile{})
	f.start(t, at(time.UTC, 1, 8, 0))
	f.stop(t, at(time.UTC, 1, 8, 30))

	// retention shorter than the time since midnight
	f.clock.Set(at(time.UTC, 1, 12, 0))
	deleted, err := f.engine.Compact(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d, want 0", deleted)
	}
}

func TestRetentionNextRun(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	rs, err := NewRetentionScheduler(nil, 24*time.Hour, "03:30", clock.FixedZone{Loc: berlin}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRetentionScheduler() error = %v", err)
	}

	before := time.Date(2024, 6, 1, 1, 0, 0, 0, berlin)
	if got := rs.calculateNextRun(before, berlin); !got.Equal(time.Date(2024, 6, 1, 3, 30, 0, 0, berlin)) {
		t.Errorf("next run = %v, want same day 03:30", got)
	}

	after := time.Date(2024, 6, 1, 4, 0, 0, 0, berlin)
	if got := rs.calculateNextRun(after, berlin); !got.Equal(time.Date(2024, 6, 2, 3, 30, 0, 0, berlin)) {
		t.Errorf("next run = %v, want next day 03:30", got)
	}

	if _, err := NewRetentionScheduler(nil, time.Hour, "3pm", clock.FixedZone{Loc: berlin}, zerolog.Nop()); err == nil {
		t.Error("expected error for malformed reset time")
	}
}
