package scheduler

import (
	"testing"
	"time"

	"github.com/postwave/postwave/internal/config"
)

func businessHours(t *testing.T) *SendWindow {
	t.Helper()
	w, err := compileWindow("business", config.WindowConfig{
		Days:  []string{"mon", "tue", "wed", "thu", "fri"},
		Start: "09:00",
		End:   "17:00",
	})
	if err != nil {
		t.Fatalf("compileWindow failed: %v", err)
	}
	return w
}

func TestWindowContains(t *testing.T) {
	w := businessHours(t)

	// 2025-06-02 is a Monday
	tests := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), true},
		{time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC), false}, // end exclusive
		{time.Date(2025, 6, 2, 8, 59, 0, 0, time.UTC), false},
		{time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC), false}, // Saturday
	}

	for _, tt := range tests {
		if got := w.Contains(tt.at); got != tt.want {
			t.Errorf("Contains(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestWindowNextOpen(t *testing.T) {
	w := businessHours(t)

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			"inside window unchanged",
			time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC),
			time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC),
		},
		{
			"early morning pushes to opening",
			time.Date(2025, 6, 2, 6, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			"after close pushes to next day",
			time.Date(2025, 6, 2, 18, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC),
		},
		{
			"friday evening pushes to monday",
			time.Date(2025, 6, 6, 20, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
		},
		{
			"saturday pushes to monday",
			time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC),
			time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.NextOpen(tt.at); !got.Equal(tt.want) {
				t.Errorf("NextOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestWindowLocation(t *testing.T) {
	w, err := compileWindow("ny", config.WindowConfig{
		Start:    "09:00",
		End:      "17:00",
		Location: "America/New_York",
	})
	if err != nil {
		t.Fatalf("compileWindow failed: %v", err)
	}

	// 14:00 UTC in June is 10:00 in New York
	at := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	if !w.Contains(at) {
		t.Errorf("14:00 UTC should be inside a 09:00-17:00 New York window")
	}

	// 03:00 UTC is 23:00 the prior day in New York
	at = time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if w.Contains(at) {
		t.Errorf("03:00 UTC should be outside the window")
	}
}

func TestCompileWindowRejectsBadInput(t *testing.T) {
	cases := []config.WindowConfig{
		{Start: "9am", End: "17:00"},
		{Start: "09:00", End: "08:00"},
		{Start: "09:00", End: "17:00", Days: []string{"monday"}},
		{Start: "09:00", End: "17:00", Location: "Mars/Olympus"},
	}
	for i, cfg := range cases {
		if _, err := compileWindow("w", cfg); err == nil {
			t.Errorf("case %d: expected error for %+v", i, cfg)
		}
	}
}
