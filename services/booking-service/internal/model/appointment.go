package model

import (
	"time"

	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

// Status of an appointment row. awaiting_payment rows are temporary holds:
// they carry an expiry and are deleted outright on release or lapse, never
// status-flipped. The other states are durable; cancellation is a status
// change, not a delete.
type Status string

const (
	StatusAwaitingPayment     Status = "awaiting_payment"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
	StatusCancelled           Status = "cancelled"
)

// Blocks reports whether rows in this status occupy their interval for
// overlap purposes. Expiry of awaiting_payment holds is applied separately.
func (s Status) Blocks() bool {
	switch s {
	case StatusAwaitingPayment, StatusPendingConfirmation, StatusConfirmed:
		return true
	default:
		return false
	}
}

// ClientInfo is the booking client's contact data, captured at hold time.
type ClientInfo struct {
	Name  string
	TaxID string
	Phone string
	Email string
}

// Appointment is the durable booking entity, partitioned by professional.
// Day is the professional-local calendar date ("2006-01-02"); Start/End are
// minutes since midnight in the professional's fixed-offset zone. Duration
// and price are snapshots of the service definition at hold time, so later
// service edits never alter existing appointments.
type Appointment struct {
	ID                     string
	ProfessionalID         string
	Client                 ClientInfo
	Day                    string
	StartMinute            schedule.Minute
	EndMinute              schedule.Minute
	ServiceID              string
	ServiceName            string
	ServiceDurationMinutes int
	PriceCents             int64
	Status                 Status
	CancelReason           string
	ExpiresAt              *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ServiceDefinition is a bookable service offered by a professional.
type ServiceDefinition struct {
	ID              string
	ProfessionalID  string
	Name            string
	DurationMinutes int
	PriceCents      int64
}

// Professional holds the schedule configuration the slot engine needs.
type Professional struct {
	ID               string
	DisplayName      string
	Weekly           schedule.Weekly
	BreakMinutes     int
	UTCOffsetMinutes int
	RequireApproval  bool
}
