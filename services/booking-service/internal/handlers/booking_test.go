package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agendahub/agendahub/services/booking-service/internal/booking"
	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/outbox"
	"github.com/agendahub/agendahub/services/booking-service/internal/policy"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

// stubStore answers with canned data so handler status mapping can be
// exercised without a database.
type stubStore struct {
	holdErr error
}

func (s *stubStore) Professional(context.Context, string) (model.Professional, error) {
	return model.Professional{
		ID: "prof-1",
		Weekly: schedule.Weekly{
			time.Monday: {{Start: 540, End: 660}},
		},
	}, nil
}

func (s *stubStore) Service(context.Context, string, string) (model.ServiceDefinition, error) {
	return model.ServiceDefinition{ID: "svc-1", ProfessionalID: "prof-1", Name: "Consultation", DurationMinutes: 30}, nil
}

func (s *stubStore) AppointmentsForDay(context.Context, string, string) ([]model.Appointment, error) {
	return nil, nil
}

func (s *stubStore) InsertHoldIfFree(context.Context, model.Appointment, outbox.Event) error {
	return s.holdErr
}

func (s *stubStore) PromoteHold(context.Context, string, string, model.Status, outbox.Event) (booking.Outcome, error) {
	return booking.OutcomeAlreadySettled, nil
}

func (s *stubStore) DeleteHold(context.Context, string, string, outbox.Event) (booking.Outcome, error) {
	return booking.OutcomeAlreadySettled, nil
}

func (s *stubStore) CancelAppointment(context.Context, string, string, string, outbox.Event) (booking.Outcome, error) {
	return booking.OutcomeAlreadySettled, booking.ErrNotFound
}

func (s *stubStore) ApproveAppointment(context.Context, string, string, outbox.Event) (booking.Outcome, error) {
	return booking.OutcomeAlreadySettled, booking.ErrNotFound
}

func newHandler(store booking.Store) *BookingHandler {
	svc := booking.NewService(store, policy.NewStaticProvider(30*time.Minute), slog.Default())
	return NewBookingHandler(svc, nil, slog.Default())
}

// nextMonday is strictly in the future so the booked slot is never rejected
// as past.
func nextMonday() string {
	d := time.Now().UTC().AddDate(0, 0, 1)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return d.Format("2006-01-02")
}

func holdBody() string {
	return fmt.Sprintf(`{
	"professional_id": "prof-1",
	"service_id": "svc-1",
	"day": %q,
	"start": "09:00",
	"end": "09:30",
	"client": {"name": "Maria Souza", "email": "maria@example.com"}
}`, nextMonday())
}

func TestSlots_RequiresQueryParams(t *testing.T) {
	h := newHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?professional_id=prof-1", nil)
	rw := httptest.NewRecorder()
	h.Slots(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestSlots_ReturnsGrid(t *testing.T) {
	h := newHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?professional_id=prof-1&service_id=svc-1&date="+nextMonday(), nil)
	rw := httptest.NewRecorder()
	h.Slots(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if !strings.Contains(rw.Body.String(), `"start":"09:00"`) {
		t.Fatalf("expected 09:00 slot in response, got %s", rw.Body.String())
	}
}

func TestHold_Created(t *testing.T) {
	h := newHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/hold", strings.NewReader(holdBody()))
	rw := httptest.NewRecorder()
	h.Hold(rw, req)
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}
	if !strings.Contains(rw.Body.String(), "reservation_id") {
		t.Fatalf("expected reservation_id in response, got %s", rw.Body.String())
	}
}

func TestHold_ConflictMapsTo409(t *testing.T) {
	h := newHandler(&stubStore{holdErr: booking.ErrSlotConflict})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/hold", strings.NewReader(holdBody()))
	rw := httptest.NewRecorder()
	h.Hold(rw, req)
	if rw.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rw.Code)
	}
}

func TestHold_BadClock(t *testing.T) {
	h := newHandler(&stubStore{})

	body := strings.Replace(holdBody(), `"09:00"`, `"9am"`, 1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/hold", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.Hold(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
}

func TestConfirm_UnknownReservationIsOK(t *testing.T) {
	h := newHandler(&stubStore{})

	body := `{"professional_id": "prof-1", "reservation_id": "gone"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations/confirm", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.Confirm(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 for settled reservation, got %d", rw.Code)
	}
}

func TestCancel_UnknownAppointmentIs404(t *testing.T) {
	h := newHandler(&stubStore{})

	body := `{"professional_id": "prof-1", "appointment_id": "missing"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/cancel", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.Cancel(rw, req)
	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler(&stubStore{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/public/hold", nil)
	rw := httptest.NewRecorder()
	h.Hold(rw, req)
	if rw.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rw.Code)
	}
}
