package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agendahub/agendahub/services/booking-service/internal/booking"
	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
	"github.com/agendahub/agendahub/services/booking-service/internal/storage"
)

// BookingHandler serves the public slot/hold surface and the internal
// reservation settlement and appointment management endpoints.
type BookingHandler struct {
	svc    *booking.Service
	repo   *storage.BookingRepository
	logger *slog.Logger
}

func NewBookingHandler(svc *booking.Service, repo *storage.BookingRepository, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, repo: repo, logger: logger}
}

type slotItem struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Conflicted  bool   `json:"conflicted"`
}

type holdRequest struct {
	ProfessionalID string `json:"professional_id"`
	ServiceID      string `json:"service_id"`
	Day            string `json:"day"`
	Start          string `json:"start"`
	End            string `json:"end"`
	Client         struct {
		Name  string `json:"name"`
		TaxID string `json:"tax_id"`
		Phone string `json:"phone"`
		Email string `json:"email"`
	} `json:"client"`
}

type holdResponse struct {
	ReservationID string `json:"reservation_id"`
	ExpiresAt     string `json:"expires_at"`
}

type settleRequest struct {
	ProfessionalID string `json:"professional_id"`
	ReservationID  string `json:"reservation_id"`
}

type cancelRequest struct {
	ProfessionalID string `json:"professional_id"`
	AppointmentID  string `json:"appointment_id"`
	Reason         string `json:"reason"`
}

type approveRequest struct {
	ProfessionalID string `json:"professional_id"`
	AppointmentID  string `json:"appointment_id"`
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	Day           string `json:"day"`
	Start         string `json:"start"`
	End           string `json:"end"`
	ServiceID     string `json:"service_id"`
	ServiceName   string `json:"service_name"`
	ClientName    string `json:"client_name"`
	ClientPhone   string `json:"client_phone,omitempty"`
	ClientEmail   string `json:"client_email,omitempty"`
	PriceCents    int64  `json:"price_cents"`
	Status        string `json:"status"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// professionalIDFrom prefers the identity header the gateway injects from
// verified claims, falling back to the request value for direct calls.
func professionalIDFrom(r *http.Request, fallback string) string {
	if id := strings.TrimSpace(r.Header.Get("X-Professional-Id")); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

// Slots handles GET /api/v1/public/slots. Every generated slot is returned,
// conflicted ones flagged rather than hidden, so the client can render the
// full grid.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	professionalID := strings.TrimSpace(r.URL.Query().Get("professional_id"))
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if professionalID == "" || serviceID == "" || dateStr == "" {
		http.Error(w, "professional_id, service_id, and date are required", http.StatusBadRequest)
		return
	}

	slots, err := h.svc.Slots(r.Context(), professionalID, serviceID, dateStr)
	if err != nil {
		h.writeError(w, err, "failed to compute slots")
		return
	}

	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			Start:       s.Start.Clock(),
			End:         s.End.Clock(),
			StartMinute: int(s.Start),
			EndMinute:   int(s.End),
			Conflicted:  s.Conflicted,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// Hold handles POST /api/v1/public/hold. The client echoes the slot it was
// shown; a taken slot answers 409.
func (h *BookingHandler) Hold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	start, err := schedule.ParseClock(req.Start)
	if err != nil {
		http.Error(w, "invalid start, want HH:MM", http.StatusBadRequest)
		return
	}
	end, err := schedule.ParseClock(req.End)
	if err != nil {
		http.Error(w, "invalid end, want HH:MM", http.StatusBadRequest)
		return
	}

	hold, err := h.svc.Hold(r.Context(), booking.HoldRequest{
		ProfessionalID: req.ProfessionalID,
		ServiceID:      req.ServiceID,
		Day:            req.Day,
		Start:          start,
		End:            end,
		Client: model.ClientInfo{
			Name:  req.Client.Name,
			TaxID: req.Client.TaxID,
			Phone: req.Client.Phone,
			Email: req.Client.Email,
		},
	})
	if err != nil {
		h.writeError(w, err, "failed to create hold")
		return
	}

	writeJSON(w, http.StatusCreated, holdResponse{
		ReservationID: hold.ReservationID,
		ExpiresAt:     hold.ExpiresAt.Format(time.RFC3339),
	})
}

// Confirm handles POST /api/v1/reservations/confirm. Payment webhooks
// retry, so repeats and unknown reservation ids answer 200.
func (h *BookingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.Confirm)
}

// Release handles POST /api/v1/reservations/release.
func (h *BookingHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.svc.Release)
}

func (h *BookingHandler) settle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, professionalID, reservationID string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProfessionalID = strings.TrimSpace(req.ProfessionalID)
	req.ReservationID = strings.TrimSpace(req.ReservationID)
	if req.ProfessionalID == "" || req.ReservationID == "" {
		http.Error(w, "professional_id and reservation_id required", http.StatusBadRequest)
		return
	}

	if err := op(r.Context(), req.ProfessionalID, req.ReservationID); err != nil {
		h.writeError(w, err, "failed to settle reservation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reservation_id": req.ReservationID})
}

// Cancel handles POST /api/v1/appointments/cancel. Cancellation is a status
// change; the interval frees immediately.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProfessionalID = professionalIDFrom(r, req.ProfessionalID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.ProfessionalID == "" || req.AppointmentID == "" {
		http.Error(w, "professional_id and appointment_id required", http.StatusBadRequest)
		return
	}

	if err := h.svc.Cancel(r.Context(), req.ProfessionalID, req.AppointmentID, strings.TrimSpace(req.Reason)); err != nil {
		h.writeError(w, err, "failed to cancel appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": req.AppointmentID,
		"status":         string(model.StatusCancelled),
	})
}

// Approve handles POST /api/v1/appointments/approve, moving a
// pending_confirmation appointment to confirmed.
func (h *BookingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProfessionalID = professionalIDFrom(r, req.ProfessionalID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.ProfessionalID == "" || req.AppointmentID == "" {
		http.Error(w, "professional_id and appointment_id required", http.StatusBadRequest)
		return
	}

	if err := h.svc.Approve(r.Context(), req.ProfessionalID, req.AppointmentID); err != nil {
		h.writeError(w, err, "failed to approve appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": req.AppointmentID,
		"status":         string(model.StatusConfirmed),
	})
}

// List handles GET /api/v1/appointments.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	professionalID := professionalIDFrom(r, r.URL.Query().Get("professional_id"))
	if professionalID == "" {
		http.Error(w, "professional_id required", http.StatusBadRequest)
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))

	appts, err := h.repo.ListAppointments(r.Context(), professionalID, from, to, limit)
	if err != nil {
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		item := appointmentItem{
			AppointmentID: appt.ID,
			Day:           appt.Day,
			Start:         appt.StartMinute.Clock(),
			End:           appt.EndMinute.Clock(),
			ServiceID:     appt.ServiceID,
			ServiceName:   appt.ServiceName,
			ClientName:    appt.Client.Name,
			ClientPhone:   appt.Client.Phone,
			ClientEmail:   appt.Client.Email,
			PriceCents:    appt.PriceCents,
			Status:        string(appt.Status),
			CancelReason:  appt.CancelReason,
			CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
		}
		if appt.ExpiresAt != nil {
			item.ExpiresAt = appt.ExpiresAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case booking.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, booking.ErrSlotConflict):
		http.Error(w, "slot no longer available", http.StatusConflict)
	case booking.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		h.logger.Error(fallback, "err", err)
		http.Error(w, fallback, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
