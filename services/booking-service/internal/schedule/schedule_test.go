package schedule

import (
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	if err != nil {
		t.Fatalf("ParseClock failed: %v", err)
	}
	if m != 570 {
		t.Fatalf("expected 570, got %d", m)
	}
	if m.Clock() != "09:30" {
		t.Fatalf("round trip mismatch: %s", m.Clock())
	}

	// The end-of-day bound parses so a window can close at midnight.
	m, err = ParseClock("24:00")
	if err != nil {
		t.Fatalf("ParseClock rejected 24:00: %v", err)
	}
	if m != 1440 {
		t.Fatalf("expected 1440 for 24:00, got %d", m)
	}

	for _, bad := range []string{"", "9:30", "09:60", "24:01", "25:00", "ab:cd", "09-30"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestWindowValidate(t *testing.T) {
	if err := (Window{Start: 540, End: 660}).Validate(); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
	if err := (Window{Start: 660, End: 660}).Validate(); err == nil {
		t.Fatal("empty window should be rejected")
	}
	if err := (Window{Start: 720, End: 540}).Validate(); err == nil {
		t.Fatal("inverted window should be rejected")
	}
	// Closing exactly at midnight is allowed.
	if err := (Window{Start: 1380, End: 1440}).Validate(); err != nil {
		t.Fatalf("23:00-24:00 window rejected: %v", err)
	}
}

func TestWeeklyValidateRejectsOverlap(t *testing.T) {
	wk := Weekly{
		time.Monday: {
			{Start: 540, End: 720},
			{Start: 700, End: 800},
		},
	}
	if err := wk.Validate(); err == nil {
		t.Fatal("overlapping windows on one weekday should be rejected")
	}

	wk = Weekly{
		time.Monday: {
			{Start: 540, End: 720},
			{Start: 720, End: 800}, // touching is fine
		},
	}
	if err := wk.Validate(); err != nil {
		t.Fatalf("touching windows rejected: %v", err)
	}
}

func TestWeeklyForSortsWindows(t *testing.T) {
	wk := Weekly{
		time.Tuesday: {
			{Start: 840, End: 1080},
			{Start: 540, End: 720},
		},
	}
	windows := wk.For(time.Tuesday)
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0].Start != 540 || windows[1].Start != 840 {
		t.Fatalf("windows not sorted: %+v", windows)
	}
	if len(wk.For(time.Sunday)) != 0 {
		t.Fatal("expected no windows on sunday")
	}
}
