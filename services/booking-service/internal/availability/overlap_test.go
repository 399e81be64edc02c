package availability

import (
	"testing"
	"time"

	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

func TestOverlaps_HalfOpen(t *testing.T) {
	busy := []Busy{{Start: 600, End: 660}} // 10:00-11:00

	cases := []struct {
		name       string
		start, end schedule.Minute
		want       bool
	}{
		{"identical", 600, 660, true},
		{"contained", 615, 645, true},
		{"straddles start", 570, 630, true},
		{"straddles end", 630, 690, true},
		{"touching before", 540, 600, false},
		{"touching after", 660, 720, false},
		{"disjoint before", 480, 540, false},
		{"disjoint after", 720, 780, false},
	}
	for _, tc := range cases {
		if got := Overlaps(tc.start, tc.end, busy); got != tc.want {
			t.Fatalf("%s: Overlaps(%d,%d) = %v, want %v", tc.name, tc.start, tc.end, got, tc.want)
		}
	}
}

func TestMarkConflicts(t *testing.T) {
	windows := []schedule.Window{{Start: 540, End: 660}} // 09:00-11:00
	slots := GenerateSlots(windows, 30, 0)
	busy := []Busy{{Start: 570, End: 600}} // 09:30-10:00 booked

	MarkConflicts(slots, busy)

	for i, s := range slots {
		wantConflict := s.Start == 570
		if s.Conflicted != wantConflict {
			t.Fatalf("slot %d (%s): conflicted=%v, want %v", i, s.Start.Clock(), s.Conflicted, wantConflict)
		}
	}
}

func TestBusyFromAppointments_FiltersStatusesAndExpiry(t *testing.T) {
	now := time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Minute)
	live := now.Add(29 * time.Minute)

	appts := []model.Appointment{
		{ID: "a1", StartMinute: 540, EndMinute: 600, Status: model.StatusConfirmed},
		{ID: "a2", StartMinute: 600, EndMinute: 660, Status: model.StatusCancelled},
		{ID: "a3", StartMinute: 660, EndMinute: 720, Status: model.StatusAwaitingPayment, ExpiresAt: &expired},
		{ID: "a4", StartMinute: 720, EndMinute: 780, Status: model.StatusAwaitingPayment, ExpiresAt: &live},
		{ID: "a5", StartMinute: 780, EndMinute: 840, Status: model.StatusPendingConfirmation},
	}

	busy := BusyFromAppointments(appts, now, nil)
	if len(busy) != 3 {
		t.Fatalf("expected 3 busy intervals, got %d: %+v", len(busy), busy)
	}
	if busy[0].Start != 540 || busy[1].Start != 720 || busy[2].Start != 780 {
		t.Fatalf("unexpected busy set: %+v", busy)
	}
}

func TestBusyFromAppointments_SkipsMalformedRows(t *testing.T) {
	appts := []model.Appointment{
		{ID: "bad1", StartMinute: 660, EndMinute: 600, Status: model.StatusConfirmed},
		{ID: "bad2", StartMinute: -10, EndMinute: 30, Status: model.StatusConfirmed},
		{ID: "ok", StartMinute: 540, EndMinute: 600, Status: model.StatusConfirmed},
	}

	busy := BusyFromAppointments(appts, time.Now(), nil)
	if len(busy) != 1 {
		t.Fatalf("expected malformed rows skipped, got %+v", busy)
	}
	if busy[0].Start != 540 {
		t.Fatalf("unexpected interval: %+v", busy[0])
	}
}
