package availability

import (
	"reflect"
	"testing"

	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

func mustClock(t *testing.T, s string) schedule.Minute {
	t.Helper()
	m, err := schedule.ParseClock(s)
	if err != nil {
		t.Fatalf("ParseClock(%q): %v", s, err)
	}
	return m
}

func TestGenerateSlots_BreakTruncatesAtWindowEnd(t *testing.T) {
	// 09:00-11:00, 60 min service, 10 min break. The second candidate would
	// start 10:10 and end 11:10, past the window end, so only one slot fits.
	windows := []schedule.Window{{Start: mustClock(t, "09:00"), End: mustClock(t, "11:00")}}

	slots := GenerateSlots(windows, 60, 10)
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d: %+v", len(slots), slots)
	}
	if slots[0].Start.Clock() != "09:00" || slots[0].End.Clock() != "10:00" {
		t.Fatalf("unexpected slot %s-%s", slots[0].Start.Clock(), slots[0].End.Clock())
	}
}

func TestGenerateSlots_NoBreak(t *testing.T) {
	windows := []schedule.Window{{Start: mustClock(t, "09:00"), End: mustClock(t, "11:00")}}

	slots := GenerateSlots(windows, 30, 0)
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}
	want := []string{"09:00", "09:30", "10:00", "10:30"}
	for i, s := range slots {
		if s.Start.Clock() != want[i] {
			t.Fatalf("slot %d: expected start %s, got %s", i, want[i], s.Start.Clock())
		}
		if s.End-s.Start != 30 {
			t.Fatalf("slot %d: expected 30 min duration, got %d", i, s.End-s.Start)
		}
		if s.Conflicted {
			t.Fatalf("slot %d: fresh slot should not be conflicted", i)
		}
	}
}

func TestGenerateSlots_WindowShorterThanDuration(t *testing.T) {
	windows := []schedule.Window{{Start: mustClock(t, "09:00"), End: mustClock(t, "09:45")}}
	if slots := GenerateSlots(windows, 60, 0); len(slots) != 0 {
		t.Fatalf("expected no slots, got %d", len(slots))
	}
}

func TestGenerateSlots_MultipleWindowsProcessedIndependently(t *testing.T) {
	// Morning and afternoon shifts; no slot crosses the gap.
	windows := []schedule.Window{
		{Start: mustClock(t, "09:00"), End: mustClock(t, "10:00")},
		{Start: mustClock(t, "14:00"), End: mustClock(t, "15:30")},
	}

	slots := GenerateSlots(windows, 45, 15)
	var got []string
	for _, s := range slots {
		got = append(got, s.Start.Clock()+"-"+s.End.Clock())
	}
	want := []string{"09:00-09:45", "14:00-14:45"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestGenerateSlots_InvalidInputs(t *testing.T) {
	windows := []schedule.Window{{Start: 540, End: 720}}
	if GenerateSlots(windows, 0, 0) != nil {
		t.Fatal("zero duration should yield nil")
	}
	if GenerateSlots(windows, -30, 0) != nil {
		t.Fatal("negative duration should yield nil")
	}
	if GenerateSlots(windows, 30, -5) != nil {
		t.Fatal("negative break should yield nil")
	}
}

func TestGenerateSlots_Deterministic(t *testing.T) {
	windows := []schedule.Window{
		{Start: 540, End: 780},
		{Start: 840, End: 1080},
	}
	first := GenerateSlots(windows, 50, 10)
	second := GenerateSlots(windows, 50, 10)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical inputs must yield identical output")
	}
}
