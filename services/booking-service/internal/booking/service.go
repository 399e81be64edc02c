package booking

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agendahub/agendahub/services/booking-service/internal/availability"
	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/outbox"
	"github.com/agendahub/agendahub/services/booking-service/internal/policy"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

const dayLayout = "2006-01-02"

// Service drives an appointment from candidate slot through temporary hold
// to confirmation, release, or cancellation.
type Service struct {
	store  Store
	policy policy.Provider
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, policyProvider policy.Provider, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		policy: policyProvider,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Slots computes the bookable slots for (professional, service, day), each
// flagged conflicted when it intersects a blocking appointment or a live
// hold. This is the render-time conflict pass; Hold re-validates under a
// lock before writing.
func (s *Service) Slots(ctx context.Context, professionalID, serviceID, day string) ([]availability.Slot, error) {
	professionalID = strings.TrimSpace(professionalID)
	serviceID = strings.TrimSpace(serviceID)
	if professionalID == "" || serviceID == "" {
		return nil, validationf("professional_id and service_id are required")
	}
	date, err := time.Parse(dayLayout, day)
	if err != nil {
		return nil, validationf("invalid date %q, want YYYY-MM-DD", day)
	}

	prof, err := s.store.Professional(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	svc, err := s.store.Service(ctx, professionalID, serviceID)
	if err != nil {
		return nil, err
	}

	windows := prof.Weekly.For(date.Weekday())
	slots := availability.GenerateSlots(windows, svc.DurationMinutes, prof.BreakMinutes)
	slots = dropPastSlots(slots, s.now(), prof.UTCOffsetMinutes, date)
	if len(slots) == 0 {
		return nil, nil
	}

	appts, err := s.store.AppointmentsForDay(ctx, professionalID, date.Format(dayLayout))
	if err != nil {
		return nil, err
	}
	busy := availability.BusyFromAppointments(appts, s.now(), s.logger)
	availability.MarkConflicts(slots, busy)
	return slots, nil
}

// HoldRequest is a client's claim on one slot, pending payment.
type HoldRequest struct {
	ProfessionalID string
	ServiceID      string
	Day            string
	Start          schedule.Minute
	End            schedule.Minute
	Client         model.ClientInfo
}

// Hold is the created temporary reservation.
type Hold struct {
	ReservationID string
	ExpiresAt     time.Time
}

// Hold re-validates the requested interval and writes a temporary
// reservation that lapses if payment does not settle within the policy TTL.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (Hold, error) {
	req.ProfessionalID = strings.TrimSpace(req.ProfessionalID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.Client.Name = strings.TrimSpace(req.Client.Name)
	req.Client.Email = strings.TrimSpace(req.Client.Email)
	req.Client.Phone = strings.TrimSpace(req.Client.Phone)
	req.Client.TaxID = strings.TrimSpace(req.Client.TaxID)

	if req.ProfessionalID == "" || req.ServiceID == "" {
		return Hold{}, validationf("professional_id and service_id are required")
	}
	if req.Client.Name == "" {
		return Hold{}, validationf("client name is required")
	}
	date, err := time.Parse(dayLayout, req.Day)
	if err != nil {
		return Hold{}, validationf("invalid date %q, want YYYY-MM-DD", req.Day)
	}
	if !req.Start.Valid() || req.End <= req.Start || req.End > 24*60 {
		return Hold{}, validationf("invalid slot interval %d-%d", req.Start, req.End)
	}

	prof, err := s.store.Professional(ctx, req.ProfessionalID)
	if err != nil {
		return Hold{}, err
	}
	svc, err := s.store.Service(ctx, req.ProfessionalID, req.ServiceID)
	if err != nil {
		return Hold{}, err
	}
	// The client echoes the slot it was shown; the duration must still match
	// the service definition so a stale or tampered request cannot claim a
	// differently-sized interval.
	if int(req.End-req.Start) != svc.DurationMinutes {
		return Hold{}, validationf("slot length %d does not match service duration %d",
			int(req.End-req.Start), svc.DurationMinutes)
	}
	if !slotFitsWindows(prof.Weekly.For(date.Weekday()), svc.DurationMinutes, prof.BreakMinutes, req.Start) {
		return Hold{}, validationf("slot %s is not offered on %s", req.Start.Clock(), date.Weekday())
	}
	if startInPast(s.now(), prof.UTCOffsetMinutes, date, req.Start) {
		return Hold{}, validationf("slot %s on %s is in the past", req.Start.Clock(), req.Day)
	}

	pol, err := s.policy.HoldPolicy(ctx, req.ProfessionalID)
	if err != nil {
		s.logger.Warn("hold policy fetch failed; using default", "err", err)
		pol.TTL = 30 * time.Minute
	}

	now := s.now()
	expiresAt := now.Add(pol.TTL)
	appt := model.Appointment{
		ID:                     uuid.NewString(),
		ProfessionalID:         req.ProfessionalID,
		Client:                 req.Client,
		Day:                    date.Format(dayLayout),
		StartMinute:            req.Start,
		EndMinute:              req.End,
		ServiceID:              svc.ID,
		ServiceName:            svc.Name,
		ServiceDurationMinutes: svc.DurationMinutes,
		PriceCents:             svc.PriceCents,
		Status:                 model.StatusAwaitingPayment,
		ExpiresAt:              &expiresAt,
	}

	evt, err := s.event("booking.hold.created.v1", appt, map[string]any{
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return Hold{}, err
	}

	if err := s.store.InsertHoldIfFree(ctx, appt, evt); err != nil {
		return Hold{}, err
	}
	return Hold{ReservationID: appt.ID, ExpiresAt: expiresAt}, nil
}

// Confirm settles a hold after a payment-success signal. Safe under
// at-least-once delivery: repeats and unknown ids are no-op successes. A
// hold whose slot was lost while it sat expired is removed and reported as
// ErrSlotConflict.
func (s *Service) Confirm(ctx context.Context, professionalID, reservationID string) error {
	professionalID = strings.TrimSpace(professionalID)
	reservationID = strings.TrimSpace(reservationID)
	if professionalID == "" || reservationID == "" {
		return validationf("professional_id and reservation_id are required")
	}

	target := model.StatusConfirmed
	prof, err := s.store.Professional(ctx, professionalID)
	if err != nil {
		return err
	}
	if prof.RequireApproval {
		target = model.StatusPendingConfirmation
	}

	evt, err := s.idEvent("booking.appointment.confirmed.v1", professionalID, reservationID, map[string]any{
		"status": string(target),
	})
	if err != nil {
		return err
	}

	outcome, err := s.store.PromoteHold(ctx, professionalID, reservationID, target, evt)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeConflict:
		return ErrSlotConflict
	case OutcomeAlreadySettled:
		s.logger.Info("confirm was a no-op", "reservation_id", reservationID)
	}
	return nil
}

// Release drops a hold after a payment-failure or abandonment signal.
// Unknown ids are no-op successes.
func (s *Service) Release(ctx context.Context, professionalID, reservationID string) error {
	professionalID = strings.TrimSpace(professionalID)
	reservationID = strings.TrimSpace(reservationID)
	if professionalID == "" || reservationID == "" {
		return validationf("professional_id and reservation_id are required")
	}

	evt, err := s.idEvent("booking.hold.released.v1", professionalID, reservationID, nil)
	if err != nil {
		return err
	}

	outcome, err := s.store.DeleteHold(ctx, professionalID, reservationID, evt)
	if err != nil {
		return err
	}
	if outcome == OutcomeAlreadySettled {
		s.logger.Info("release was a no-op", "reservation_id", reservationID)
	}
	return nil
}

// Cancel is the operator action on a settled appointment; the slot frees
// up immediately because cancelled rows never block.
func (s *Service) Cancel(ctx context.Context, professionalID, appointmentID, reason string) error {
	professionalID = strings.TrimSpace(professionalID)
	appointmentID = strings.TrimSpace(appointmentID)
	if professionalID == "" || appointmentID == "" {
		return validationf("professional_id and appointment_id are required")
	}

	evt, err := s.idEvent("booking.appointment.cancelled.v1", professionalID, appointmentID, map[string]any{
		"reason": strings.TrimSpace(reason),
	})
	if err != nil {
		return err
	}

	_, err = s.store.CancelAppointment(ctx, professionalID, appointmentID, strings.TrimSpace(reason), evt)
	return err
}

// Approve promotes a paid-but-pending appointment to confirmed.
func (s *Service) Approve(ctx context.Context, professionalID, appointmentID string) error {
	professionalID = strings.TrimSpace(professionalID)
	appointmentID = strings.TrimSpace(appointmentID)
	if professionalID == "" || appointmentID == "" {
		return validationf("professional_id and appointment_id are required")
	}

	evt, err := s.idEvent("booking.appointment.approved.v1", professionalID, appointmentID, nil)
	if err != nil {
		return err
	}

	_, err = s.store.ApproveAppointment(ctx, professionalID, appointmentID, evt)
	return err
}

// startInPast reports whether a slot starting at start on date has already
// begun in the professional's local clock. Past days are entirely past; on
// the current day any slot whose start minute has elapsed is gone.
func startInPast(now time.Time, utcOffsetMinutes int, date time.Time, start schedule.Minute) bool {
	local := now.In(schedule.FixedZone(utcOffsetMinutes))
	localDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	slotDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	if slotDay.Before(localDay) {
		return true
	}
	if slotDay.After(localDay) {
		return false
	}
	return int(start) < local.Hour()*60+local.Minute()
}

// dropPastSlots removes the slots a client could no longer book because
// their start has passed in the professional's local clock.
func dropPastSlots(slots []availability.Slot, now time.Time, utcOffsetMinutes int, date time.Time) []availability.Slot {
	kept := slots[:0]
	for _, sl := range slots {
		if startInPast(now, utcOffsetMinutes, date, sl.Start) {
			continue
		}
		kept = append(kept, sl)
	}
	return kept
}

// slotFitsWindows checks that start is one of the cursor positions the
// generator would emit, so holds can only claim offered slots.
func slotFitsWindows(windows []schedule.Window, durationMin, breakMin int, start schedule.Minute) bool {
	for _, s := range availability.GenerateSlots(windows, durationMin, breakMin) {
		if s.Start == start {
			return true
		}
	}
	return false
}

func (s *Service) event(eventType string, appt model.Appointment, extra map[string]any) (outbox.Event, error) {
	payload := map[string]any{
		"reservation_id":  appt.ID,
		"professional_id": appt.ProfessionalID,
		"service_id":      appt.ServiceID,
		"day":             appt.Day,
		"start":           appt.StartMinute.Clock(),
		"end":             appt.EndMinute.Clock(),
		"price_cents":     appt.PriceCents,
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

func (s *Service) idEvent(eventType, professionalID, id string, extra map[string]any) (outbox.Event, error) {
	payload := map[string]any{
		"reservation_id":  id,
		"professional_id": professionalID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   id,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
