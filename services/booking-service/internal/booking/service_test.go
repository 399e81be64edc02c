package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agendahub/agendahub/services/booking-service/internal/availability"
	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/outbox"
	"github.com/agendahub/agendahub/services/booking-service/internal/policy"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

// fakeStore mirrors the repository's transactional semantics in memory:
// sweep expired holds, re-validate overlap, then write, all under one lock.
type fakeStore struct {
	mu            sync.Mutex
	professionals map[string]model.Professional
	services      map[string]model.ServiceDefinition
	appts         map[string]model.Appointment
	events        []outbox.Event
	now           func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{
		professionals: map[string]model.Professional{},
		services:      map[string]model.ServiceDefinition{},
		appts:         map[string]model.Appointment{},
		now:           now,
	}
}

func (f *fakeStore) Professional(_ context.Context, id string) (model.Professional, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.professionals[id]
	if !ok {
		return model.Professional{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) Service(_ context.Context, professionalID, serviceID string) (model.ServiceDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[serviceID]
	if !ok || s.ProfessionalID != professionalID {
		return model.ServiceDefinition{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) AppointmentsForDay(_ context.Context, professionalID, day string) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.appts {
		if a.ProfessionalID == professionalID && a.Day == day {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) blockingBusy(professionalID, day, excludeID string) []availability.Busy {
	now := f.now()
	var appts []model.Appointment
	for _, a := range f.appts {
		if a.ProfessionalID == professionalID && a.Day == day && a.ID != excludeID {
			appts = append(appts, a)
		}
	}
	return availability.BusyFromAppointments(appts, now, nil)
}

func (f *fakeStore) sweepExpired(professionalID, day string) {
	now := f.now()
	for id, a := range f.appts {
		if a.ProfessionalID == professionalID && a.Day == day &&
			a.Status == model.StatusAwaitingPayment && a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			delete(f.appts, id)
		}
	}
}

func (f *fakeStore) InsertHoldIfFree(_ context.Context, appt model.Appointment, evt outbox.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepExpired(appt.ProfessionalID, appt.Day)
	if availability.Overlaps(appt.StartMinute, appt.EndMinute, f.blockingBusy(appt.ProfessionalID, appt.Day, "")) {
		return ErrSlotConflict
	}
	f.appts[appt.ID] = appt
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeStore) PromoteHold(_ context.Context, professionalID, reservationID string, to model.Status, evt outbox.Event) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[reservationID]
	if !ok || a.ProfessionalID != professionalID {
		return OutcomeAlreadySettled, nil
	}
	if a.Status != model.StatusAwaitingPayment {
		return OutcomeAlreadySettled, nil
	}
	if availability.Overlaps(a.StartMinute, a.EndMinute, f.blockingBusy(professionalID, a.Day, a.ID)) {
		delete(f.appts, reservationID)
		return OutcomeConflict, nil
	}
	a.Status = to
	a.ExpiresAt = nil
	f.appts[reservationID] = a
	f.events = append(f.events, evt)
	return OutcomeApplied, nil
}

func (f *fakeStore) DeleteHold(_ context.Context, professionalID, reservationID string, evt outbox.Event) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[reservationID]
	if !ok || a.ProfessionalID != professionalID || a.Status != model.StatusAwaitingPayment {
		return OutcomeAlreadySettled, nil
	}
	delete(f.appts, reservationID)
	f.events = append(f.events, evt)
	return OutcomeApplied, nil
}

func (f *fakeStore) CancelAppointment(_ context.Context, professionalID, appointmentID, reason string, evt outbox.Event) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[appointmentID]
	if !ok || a.ProfessionalID != professionalID {
		return OutcomeAlreadySettled, ErrNotFound
	}
	if a.Status == model.StatusCancelled {
		return OutcomeAlreadySettled, nil
	}
	if a.Status == model.StatusAwaitingPayment {
		return OutcomeAlreadySettled, &ValidationError{Msg: "appointment is an unpaid hold"}
	}
	a.Status = model.StatusCancelled
	a.CancelReason = reason
	f.appts[appointmentID] = a
	f.events = append(f.events, evt)
	return OutcomeApplied, nil
}

func (f *fakeStore) ApproveAppointment(_ context.Context, professionalID, appointmentID string, evt outbox.Event) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appts[appointmentID]
	if !ok || a.ProfessionalID != professionalID {
		return OutcomeAlreadySettled, ErrNotFound
	}
	if a.Status != model.StatusPendingConfirmation {
		return OutcomeAlreadySettled, nil
	}
	a.Status = model.StatusConfirmed
	f.appts[appointmentID] = a
	f.events = append(f.events, evt)
	return OutcomeApplied, nil
}

const (
	profID = "prof-1"
	svcID  = "svc-1"
	day    = "2025-02-17" // a Monday
)

func newTestService(t *testing.T, nowFn func() time.Time) (*Service, *fakeStore, *time.Time) {
	t.Helper()
	base := time.Date(2025, 2, 17, 8, 0, 0, 0, time.UTC)
	clock := &base
	if nowFn == nil {
		nowFn = func() time.Time { return *clock }
	}
	store := newFakeStore(nowFn)
	store.professionals[profID] = model.Professional{
		ID: profID,
		Weekly: schedule.Weekly{
			time.Monday: {{Start: 540, End: 660}}, // 09:00-11:00
		},
	}
	store.services[svcID] = model.ServiceDefinition{
		ID:              svcID,
		ProfessionalID:  profID,
		Name:            "Consultation",
		DurationMinutes: 30,
		PriceCents:      15000,
	}
	svc := NewService(store, policy.NewStaticProvider(30*time.Minute), slog.Default())
	svc.now = nowFn
	return svc, store, clock
}

func holdReq(start schedule.Minute) HoldRequest {
	return HoldRequest{
		ProfessionalID: profID,
		ServiceID:      svcID,
		Day:            day,
		Start:          start,
		End:            start + 30,
		Client:         model.ClientInfo{Name: "Maria Souza", Email: "maria@example.com"},
	}
}

func TestSlots_EmptyCalendar(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	slots, err := svc.Slots(context.Background(), profID, svcID, day)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	if len(slots) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(slots))
	}
	for _, s := range slots {
		if s.Conflicted {
			t.Fatalf("slot %s should be free", s.Start.Clock())
		}
	}
}

func TestSlots_MarksBookedSlotConflicted(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	store.appts["existing"] = model.Appointment{
		ID: "existing", ProfessionalID: profID, Day: day,
		StartMinute: 570, EndMinute: 600, Status: model.StatusConfirmed,
	}

	slots, err := svc.Slots(context.Background(), profID, svcID, day)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	for _, s := range slots {
		want := s.Start == 570
		if s.Conflicted != want {
			t.Fatalf("slot %s: conflicted=%v, want %v", s.Start.Clock(), s.Conflicted, want)
		}
	}
}

func TestSlots_ClosedWeekday(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	slots, err := svc.Slots(context.Background(), profID, svcID, "2025-02-18") // Tuesday, no windows
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots on a closed weekday, got %d", len(slots))
	}
}

func TestSlots_PastDayYieldsNothing(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	*clock = time.Date(2025, 2, 24, 8, 0, 0, 0, time.UTC)

	slots, err := svc.Slots(context.Background(), profID, svcID, day)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots for a past day, got %d", len(slots))
	}
}

func TestSlots_TodayDropsElapsedStarts(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	*clock = time.Date(2025, 2, 17, 9, 45, 0, 0, time.UTC)

	slots, err := svc.Slots(context.Background(), profID, svcID, day)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 remaining slots at 09:45, got %d", len(slots))
	}
	if slots[0].Start != 600 || slots[1].Start != 630 {
		t.Fatalf("expected 10:00 and 10:30, got %s and %s",
			slots[0].Start.Clock(), slots[1].Start.Clock())
	}
}

func TestSlots_UsesProfessionalOffset(t *testing.T) {
	svc, store, clock := newTestService(t, nil)
	// 11:30 UTC is 08:30 in UTC-3: the 09:00 slot is still ahead there.
	*clock = time.Date(2025, 2, 17, 11, 30, 0, 0, time.UTC)
	prof := store.professionals[profID]
	prof.UTCOffsetMinutes = -180
	store.professionals[profID] = prof

	slots, err := svc.Slots(context.Background(), profID, svcID, day)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	if len(slots) != 4 {
		t.Fatalf("expected all 4 slots in the professional's zone, got %d", len(slots))
	}
}

func TestHold_RejectsPastSlot(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	// A week after the requested Monday.
	*clock = time.Date(2025, 2, 24, 8, 0, 0, 0, time.UTC)
	if _, err := svc.Hold(ctx, holdReq(540)); !IsValidation(err) {
		t.Fatalf("expected validation error for a past day, got %v", err)
	}

	// Same day, but the slot's start has already elapsed.
	*clock = time.Date(2025, 2, 17, 9, 10, 0, 0, time.UTC)
	if _, err := svc.Hold(ctx, holdReq(540)); !IsValidation(err) {
		t.Fatalf("expected validation error for an elapsed start, got %v", err)
	}

	// A later slot the same day is still fine.
	if _, err := svc.Hold(ctx, holdReq(600)); err != nil {
		t.Fatalf("future slot on the current day should hold: %v", err)
	}
}

func TestHold_SecondClientLosesRace(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	first, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("first hold failed: %v", err)
	}
	if first.ReservationID == "" {
		t.Fatal("expected a reservation id")
	}

	_, err = svc.Hold(ctx, holdReq(540))
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("second hold: expected ErrSlotConflict, got %v", err)
	}

	// A different slot is still free.
	if _, err := svc.Hold(ctx, holdReq(570)); err != nil {
		t.Fatalf("hold on free slot failed: %v", err)
	}
}

func TestHold_RejectsUnofferedSlot(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	// 09:10 is not a generator cursor position for a 30-min no-break grid.
	_, err := svc.Hold(context.Background(), holdReq(550))
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// Wrong duration for the service.
	req := holdReq(540)
	req.End = req.Start + 45
	_, err = svc.Hold(context.Background(), req)
	if !IsValidation(err) {
		t.Fatalf("expected validation error for duration mismatch, got %v", err)
	}
}

func TestHold_ExpiredHoldFreesSlot(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Hold(ctx, holdReq(540)); err != nil {
		t.Fatalf("initial hold failed: %v", err)
	}

	// 31 minutes later the unpaid hold has lapsed and the slot is free again.
	*clock = clock.Add(31 * time.Minute)

	slots, err := svc.Slots(ctx, profID, svcID, day)
	if err != nil {
		t.Fatalf("Slots failed: %v", err)
	}
	if slots[0].Conflicted {
		t.Fatal("expired hold should not mark the slot conflicted")
	}

	if _, err := svc.Hold(ctx, holdReq(540)); err != nil {
		t.Fatalf("re-hold after expiry failed: %v", err)
	}
}

func TestConfirm_Idempotent(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	hold, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	if err := svc.Confirm(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if err := svc.Confirm(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("repeated confirm should be a no-op, got %v", err)
	}

	confirmed := 0
	for _, a := range store.appts {
		if a.Status == model.StatusConfirmed {
			confirmed++
			if a.ExpiresAt != nil {
				t.Fatal("confirmed appointment should not carry an expiry")
			}
		}
	}
	if confirmed != 1 {
		t.Fatalf("expected exactly 1 confirmed appointment, got %d", confirmed)
	}
}

func TestConfirm_UnknownIDIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	if err := svc.Confirm(context.Background(), profID, "never-existed"); err != nil {
		t.Fatalf("confirm of unknown id should settle as no-op, got %v", err)
	}
}

func TestConfirm_RequireApprovalLandsPending(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	prof := store.professionals[profID]
	prof.RequireApproval = true
	store.professionals[profID] = prof

	ctx := context.Background()
	hold, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if err := svc.Confirm(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if store.appts[hold.ReservationID].Status != model.StatusPendingConfirmation {
		t.Fatalf("expected pending_confirmation, got %s", store.appts[hold.ReservationID].Status)
	}

	if err := svc.Approve(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if store.appts[hold.ReservationID].Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed after approve, got %s", store.appts[hold.ReservationID].Status)
	}
}

func TestConfirm_LateConfirmLosesRacedSlot(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	stale, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	// The hold lapses; another client books and pays for the same slot.
	*clock = clock.Add(31 * time.Minute)
	winner, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("competing hold failed: %v", err)
	}
	if err := svc.Confirm(ctx, profID, winner.ReservationID); err != nil {
		t.Fatalf("competing confirm failed: %v", err)
	}

	// The stale hold's payment notification arrives last.
	err = svc.Confirm(ctx, profID, stale.ReservationID)
	if err == nil {
		// The lapsed hold was swept during the competing insert, so the
		// late confirm settles as a no-op rather than double-booking.
		slots, serr := svc.Slots(ctx, profID, svcID, day)
		if serr != nil {
			t.Fatalf("Slots failed: %v", serr)
		}
		conflicted := 0
		for _, s := range slots {
			if s.Conflicted {
				conflicted++
			}
		}
		if conflicted != 1 {
			t.Fatalf("no-overlap invariant broken: %d conflicted slots", conflicted)
		}
		return
	}
	if !errors.Is(err, ErrSlotConflict) {
		t.Fatalf("expected ErrSlotConflict or no-op, got %v", err)
	}
}

func TestRelease_RemovesHoldAndFreesSlot(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	hold, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if err := svc.Release(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, ok := store.appts[hold.ReservationID]; ok {
		t.Fatal("released hold should be gone")
	}
	if err := svc.Release(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("repeated release should be a no-op, got %v", err)
	}

	if _, err := svc.Hold(ctx, holdReq(540)); err != nil {
		t.Fatalf("slot should be free after release: %v", err)
	}
}

func TestCancel_FreesSlotImmediately(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	hold, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if err := svc.Confirm(ctx, profID, hold.ReservationID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if err := svc.Cancel(ctx, profID, hold.ReservationID, "client asked"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if store.appts[hold.ReservationID].Status != model.StatusCancelled {
		t.Fatal("appointment should be cancelled, not deleted")
	}

	if _, err := svc.Hold(ctx, holdReq(540)); err != nil {
		t.Fatalf("cancelled slot should be bookable again: %v", err)
	}

	if err := svc.Cancel(ctx, profID, "missing-id", ""); !IsNotFound(err) {
		t.Fatalf("cancel of unknown appointment should be ErrNotFound, got %v", err)
	}
}

func TestCancel_RejectsUnpaidHold(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	hold, err := svc.Hold(ctx, holdReq(540))
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	// Holds lapse or are released; they never turn into cancelled records.
	if err := svc.Cancel(ctx, profID, hold.ReservationID, "operator mistake"); !IsValidation(err) {
		t.Fatalf("expected validation error cancelling a hold, got %v", err)
	}
	if store.appts[hold.ReservationID].Status != model.StatusAwaitingPayment {
		t.Fatalf("hold status changed to %s", store.appts[hold.ReservationID].Status)
	}
}

func TestHold_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	req := holdReq(540)
	req.Client.Name = ""
	if _, err := svc.Hold(ctx, req); !IsValidation(err) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}

	req = holdReq(540)
	req.Day = "17/02/2025"
	if _, err := svc.Hold(ctx, req); !IsValidation(err) {
		t.Fatalf("expected validation error for bad date, got %v", err)
	}

	req = holdReq(540)
	req.ServiceID = "ghost"
	if _, err := svc.Hold(ctx, req); !IsNotFound(err) {
		t.Fatalf("expected not-found for unknown service, got %v", err)
	}
}
