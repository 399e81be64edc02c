package booking

import (
	"context"

	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/outbox"
)

// Outcome of a settlement-style write (confirm/release/cancel/approve).
type Outcome int

const (
	// OutcomeApplied means the row was changed and the event recorded.
	OutcomeApplied Outcome = iota
	// OutcomeAlreadySettled means there was nothing left to do: the row is
	// already in (or past) the requested state, or the hold no longer
	// exists. Reported as success so at-least-once payment notifications
	// never amplify into failures.
	OutcomeAlreadySettled
	// OutcomeConflict means a late promotion lost its slot to a competing
	// booking and the stale hold was removed.
	OutcomeConflict
)

// Store is the persistence surface the lifecycle runs on. Write operations
// are transactional: the row change, the overlap re-validation, and the
// outbox event land atomically or not at all.
type Store interface {
	Professional(ctx context.Context, id string) (model.Professional, error)
	Service(ctx context.Context, professionalID, serviceID string) (model.ServiceDefinition, error)

	// AppointmentsForDay returns every row for (professional, day),
	// including cancelled and expired ones; callers filter.
	AppointmentsForDay(ctx context.Context, professionalID, day string) ([]model.Appointment, error)

	// InsertHoldIfFree writes a new awaiting_payment row after sweeping
	// expired holds and re-validating non-overlap under a per-(professional,
	// day) lock. Returns ErrSlotConflict when the interval is taken.
	InsertHoldIfFree(ctx context.Context, appt model.Appointment, evt outbox.Event) error

	// PromoteHold moves an awaiting_payment row to the given blocking
	// status, re-validating non-overlap first (a hold may have expired and
	// been raced). The event is recorded only when the promotion applies.
	PromoteHold(ctx context.Context, professionalID, reservationID string, to model.Status, evt outbox.Event) (Outcome, error)

	// DeleteHold removes an awaiting_payment row. Missing or already
	// promoted rows settle as OutcomeAlreadySettled.
	DeleteHold(ctx context.Context, professionalID, reservationID string, evt outbox.Event) (Outcome, error)

	// CancelAppointment flips a confirmed or pending row to cancelled.
	// Unknown id returns ErrNotFound; already cancelled settles.
	CancelAppointment(ctx context.Context, professionalID, appointmentID, reason string, evt outbox.Event) (Outcome, error)

	// ApproveAppointment moves pending_confirmation to confirmed.
	ApproveAppointment(ctx context.Context, professionalID, appointmentID string, evt outbox.Event) (Outcome, error)
}
