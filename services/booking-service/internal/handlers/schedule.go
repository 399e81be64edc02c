package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agendahub/agendahub/services/booking-service/internal/booking"
	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
	"github.com/agendahub/agendahub/services/booking-service/internal/storage"
)

// ScheduleHandler serves the professional's configuration surface: weekly
// windows and the service catalogue.
type ScheduleHandler struct {
	repo   *storage.BookingRepository
	logger *slog.Logger
}

func NewScheduleHandler(repo *storage.BookingRepository, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{repo: repo, logger: logger}
}

type windowItem struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type scheduleDoc struct {
	ProfessionalID   string                  `json:"professional_id"`
	DisplayName      string                  `json:"display_name"`
	Weekly           map[string][]windowItem `json:"weekly"`
	BreakMinutes     int                     `json:"break_minutes"`
	UTCOffsetMinutes int                     `json:"utc_offset_minutes"`
	RequireApproval  bool                    `json:"require_approval"`
}

type serviceItem struct {
	ServiceID       string `json:"service_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int64  `json:"price_cents"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Schedule handles GET and PUT /api/v1/schedule.
func (h *ScheduleHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getSchedule(w, r)
	case http.MethodPut:
		h.putSchedule(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) getSchedule(w http.ResponseWriter, r *http.Request) {
	professionalID := professionalIDFrom(r, r.URL.Query().Get("professional_id"))
	if professionalID == "" {
		http.Error(w, "professional_id required", http.StatusBadRequest)
		return
	}

	prof, err := h.repo.Professional(r.Context(), professionalID)
	if err != nil {
		if booking.IsNotFound(err) {
			http.Error(w, "professional not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}

	doc := scheduleDoc{
		ProfessionalID:   prof.ID,
		DisplayName:      prof.DisplayName,
		Weekly:           map[string][]windowItem{},
		BreakMinutes:     prof.BreakMinutes,
		UTCOffsetMinutes: prof.UTCOffsetMinutes,
		RequireApproval:  prof.RequireApproval,
	}
	for name, day := range weekdayNames {
		windows := prof.Weekly.For(day)
		if len(windows) == 0 {
			continue
		}
		items := make([]windowItem, 0, len(windows))
		for _, win := range windows {
			items = append(items, windowItem{Start: win.Start.Clock(), End: win.End.Clock()})
		}
		doc.Weekly[name] = items
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *ScheduleHandler) putSchedule(w http.ResponseWriter, r *http.Request) {
	var doc scheduleDoc
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	doc.ProfessionalID = professionalIDFrom(r, doc.ProfessionalID)
	if doc.ProfessionalID == "" {
		http.Error(w, "professional_id required", http.StatusBadRequest)
		return
	}
	if doc.BreakMinutes < 0 {
		http.Error(w, "break_minutes must be >= 0", http.StatusBadRequest)
		return
	}
	if doc.UTCOffsetMinutes < -14*60 || doc.UTCOffsetMinutes > 14*60 {
		http.Error(w, "utc_offset_minutes out of range", http.StatusBadRequest)
		return
	}

	weekly := schedule.Weekly{}
	for name, items := range doc.Weekly {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			http.Error(w, "unknown weekday "+name, http.StatusBadRequest)
			return
		}
		for _, item := range items {
			start, err := schedule.ParseClock(item.Start)
			if err != nil {
				http.Error(w, "invalid window start "+item.Start, http.StatusBadRequest)
				return
			}
			end, err := schedule.ParseClock(item.End)
			if err != nil {
				http.Error(w, "invalid window end "+item.End, http.StatusBadRequest)
				return
			}
			weekly[day] = append(weekly[day], schedule.Window{Start: start, End: end})
		}
	}
	if err := weekly.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.repo.UpdateProfessional(r.Context(), model.Professional{
		ID:               doc.ProfessionalID,
		DisplayName:      strings.TrimSpace(doc.DisplayName),
		Weekly:           weekly,
		BreakMinutes:     doc.BreakMinutes,
		UTCOffsetMinutes: doc.UTCOffsetMinutes,
		RequireApproval:  doc.RequireApproval,
	})
	if err != nil {
		if booking.IsNotFound(err) {
			http.Error(w, "professional not found", http.StatusNotFound)
			return
		}
		h.logger.Error("schedule update failed", "err", err)
		http.Error(w, "failed to update schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"professional_id": doc.ProfessionalID})
}

// Services handles GET and PUT /api/v1/services.
func (h *ScheduleHandler) Services(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listServices(w, r)
	case http.MethodPut:
		h.putService(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) listServices(w http.ResponseWriter, r *http.Request) {
	professionalID := professionalIDFrom(r, r.URL.Query().Get("professional_id"))
	if professionalID == "" {
		http.Error(w, "professional_id required", http.StatusBadRequest)
		return
	}

	svcs, err := h.repo.ListServices(r.Context(), professionalID)
	if err != nil {
		http.Error(w, "failed to list services", http.StatusInternalServerError)
		return
	}

	items := make([]serviceItem, 0, len(svcs))
	for _, svc := range svcs {
		items = append(items, serviceItem{
			ServiceID:       svc.ID,
			Name:            svc.Name,
			DurationMinutes: svc.DurationMinutes,
			PriceCents:      svc.PriceCents,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *ScheduleHandler) putService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProfessionalID string `json:"professional_id"`
		serviceItem
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProfessionalID = professionalIDFrom(r, req.ProfessionalID)
	req.Name = strings.TrimSpace(req.Name)
	if req.ProfessionalID == "" || req.Name == "" {
		http.Error(w, "professional_id and name required", http.StatusBadRequest)
		return
	}
	if req.DurationMinutes <= 0 || req.DurationMinutes > 24*60 {
		http.Error(w, "duration_minutes must be between 1 and 1440", http.StatusBadRequest)
		return
	}
	if req.PriceCents < 0 {
		http.Error(w, "price_cents must be >= 0", http.StatusBadRequest)
		return
	}

	id := strings.TrimSpace(req.ServiceID)
	if id == "" {
		id = uuid.NewString()
	}
	err := h.repo.UpsertService(r.Context(), model.ServiceDefinition{
		ID:              id,
		ProfessionalID:  req.ProfessionalID,
		Name:            req.Name,
		DurationMinutes: req.DurationMinutes,
		PriceCents:      req.PriceCents,
	})
	if err != nil {
		h.logger.Error("service upsert failed", "err", err)
		http.Error(w, "failed to save service", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service_id": id})
}
