package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/kguard/internal/config"
)

func TestParseCheckTime(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 1, 3, 9, 15, 0, 0, time.UTC)

	tests := []struct {
		name    string
		day     string
		clock   string
		want    time.Time
		wantErr bool
	}{
		{name: "defaults to now", want: time.Date(2024, 1, 3, 9, 15, 0, 0, time.UTC)},
		{name: "time only", clock: "18:30", want: time.Date(2024, 1, 3, 18, 30, 0, 0, time.UTC)},
		{name: "later this week", day: "friday", clock: "07:00", want: time.Date(2024, 1, 5, 7, 0, 0, 0, time.UTC)},
		{name: "wraps to next week", day: "Mon", want: time.Date(2024, 1, 8, 9, 15, 0, 0, time.UTC)},
		{name: "invalid day", day: "someday", wantErr: true},
		{name: "invalid time", clock: "25:00", wantErr: true},
		{name: "end of day rejected", clock: "24:00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCheckTime(tt.day, tt.clock, now)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseCheckTime() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCheckTime() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseCheckTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpenStorage(t *testing.T) {
	dir := t.TempDir()

	for _, kind := range []string{"bolt", "sqlite"} {
		store, err := openStorage(config.StorageConfig{Type: kind, Path: filepath.Join(dir, kind+".db")})
		if err != nil {
			t.Fatalf("openStorage(%s) error = %v", kind, err)
		}
		if store.Events() == nil {
			t.Errorf("openStorage(%s) returned no event log", kind)
		}
		if err := store.Close(); err != nil {
			t.Errorf("Close(%s) error = %v", kind, err)
		}
	}

	if _, err := openStorage(config.StorageConfig{Type: "postgres"}); err == nil {
		t.Error("expected error for unsupported storage type")
	}
}
