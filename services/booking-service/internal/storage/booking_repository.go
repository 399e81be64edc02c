package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agendahub/agendahub/libs/db"
	"github.com/agendahub/agendahub/services/booking-service/internal/availability"
	"github.com/agendahub/agendahub/services/booking-service/internal/booking"
	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/outbox"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

const apptColumns = `id, professional_id, client_name, COALESCE(client_tax_id, ''), COALESCE(client_phone, ''),
		COALESCE(client_email, ''), day::text, start_minute, end_minute, service_id, service_name,
		service_duration_minutes, price_cents, status, COALESCE(cancel_reason, ''), expires_at, created_at, updated_at`

// BookingRepository implements booking.Store on Postgres. Hold creation and
// promotion serialize per (professional, day) with a transaction-scoped
// advisory lock; the appointments exclusion constraint is the backstop for
// anything that slips past the in-transaction overlap check.
type BookingRepository struct {
	pool   *db.Pool
	outbox *outbox.Repository
	now    func() time.Time
}

func NewBookingRepository(pool *db.Pool, outboxRepo *outbox.Repository) *BookingRepository {
	return &BookingRepository{
		pool:   pool,
		outbox: outboxRepo,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *BookingRepository) Professional(ctx context.Context, id string) (model.Professional, error) {
	var prof model.Professional
	var weeklyJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, weekly_schedule, break_minutes, utc_offset_minutes, require_approval
		FROM professionals
		WHERE id = $1
	`, id).Scan(&prof.ID, &prof.DisplayName, &weeklyJSON, &prof.BreakMinutes, &prof.UTCOffsetMinutes, &prof.RequireApproval)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Professional{}, booking.ErrNotFound
	}
	if err != nil {
		return model.Professional{}, err
	}
	if len(weeklyJSON) > 0 {
		if err := json.Unmarshal(weeklyJSON, &prof.Weekly); err != nil {
			return model.Professional{}, fmt.Errorf("decode weekly schedule for %s: %w", id, err)
		}
	}
	return prof, nil
}

func (r *BookingRepository) UpdateProfessional(ctx context.Context, prof model.Professional) error {
	weeklyJSON, err := json.Marshal(prof.Weekly)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE professionals
		SET display_name = $2,
			weekly_schedule = $3,
			break_minutes = $4,
			utc_offset_minutes = $5,
			require_approval = $6,
			updated_at = now()
		WHERE id = $1
	`, prof.ID, prof.DisplayName, weeklyJSON, prof.BreakMinutes, prof.UTCOffsetMinutes, prof.RequireApproval)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotFound
	}
	return nil
}

func (r *BookingRepository) Service(ctx context.Context, professionalID, serviceID string) (model.ServiceDefinition, error) {
	var svc model.ServiceDefinition
	err := r.pool.QueryRow(ctx, `
		SELECT id, professional_id, name, duration_minutes, price_cents
		FROM service_definitions
		WHERE id = $1 AND professional_id = $2
	`, serviceID, professionalID).Scan(&svc.ID, &svc.ProfessionalID, &svc.Name, &svc.DurationMinutes, &svc.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ServiceDefinition{}, booking.ErrNotFound
	}
	if err != nil {
		return model.ServiceDefinition{}, err
	}
	return svc, nil
}

func (r *BookingRepository) ListServices(ctx context.Context, professionalID string) ([]model.ServiceDefinition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, professional_id, name, duration_minutes, price_cents
		FROM service_definitions
		WHERE professional_id = $1
		ORDER BY name ASC
	`, professionalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var svcs []model.ServiceDefinition
	for rows.Next() {
		var svc model.ServiceDefinition
		if err := rows.Scan(&svc.ID, &svc.ProfessionalID, &svc.Name, &svc.DurationMinutes, &svc.PriceCents); err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}
	return svcs, rows.Err()
}

func (r *BookingRepository) UpsertService(ctx context.Context, svc model.ServiceDefinition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_definitions (id, professional_id, name, duration_minutes, price_cents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			duration_minutes = EXCLUDED.duration_minutes,
			price_cents = EXCLUDED.price_cents,
			updated_at = now()
		WHERE service_definitions.professional_id = EXCLUDED.professional_id
	`, svc.ID, svc.ProfessionalID, svc.Name, svc.DurationMinutes, svc.PriceCents)
	return err
}

func (r *BookingRepository) AppointmentsForDay(ctx context.Context, professionalID, day string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE professional_id = $1 AND day = $2
		ORDER BY start_minute ASC
	`, professionalID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (r *BookingRepository) ListAppointments(ctx context.Context, professionalID, fromDay, toDay string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE professional_id = $1
			AND ($2 = '' OR day >= $2::date)
			AND ($3 = '' OR day <= $3::date)
		ORDER BY day DESC, start_minute DESC
		LIMIT $4
	`, professionalID, fromDay, toDay, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// InsertHoldIfFree writes a temporary reservation inside one transaction:
// take the per-(professional, day) advisory lock, sweep lapsed holds, check
// the interval against the surviving rows, insert, and record the outbox
// event. Competing writers on the same day queue on the lock, so at most
// one of two clients racing for a slot gets it.
func (r *BookingRepository) InsertHoldIfFree(ctx context.Context, appt model.Appointment, evt outbox.Event) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockDay(ctx, tx, appt.ProfessionalID, appt.Day); err != nil {
		return err
	}
	if err := r.sweepExpiredHolds(ctx, tx, appt.ProfessionalID, appt.Day); err != nil {
		return err
	}

	busy, err := r.blockingIntervals(ctx, tx, appt.ProfessionalID, appt.Day, "")
	if err != nil {
		return err
	}
	if availability.Overlaps(appt.StartMinute, appt.EndMinute, busy) {
		return booking.ErrSlotConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments
			(id, professional_id, client_name, client_tax_id, client_phone, client_email,
			 day, start_minute, end_minute, service_id, service_name, service_duration_minutes,
			 price_cents, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, appt.ID, appt.ProfessionalID, appt.Client.Name, appt.Client.TaxID, appt.Client.Phone, appt.Client.Email,
		appt.Day, int(appt.StartMinute), int(appt.EndMinute), appt.ServiceID, appt.ServiceName,
		appt.ServiceDurationMinutes, appt.PriceCents, string(appt.Status), appt.ExpiresAt)
	if IsConflict(err) {
		return booking.ErrSlotConflict
	}
	if err != nil {
		return err
	}

	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PromoteHold moves an awaiting_payment row to a blocking status. A stale
// hold whose slot was retaken while it lingered is removed instead, and the
// caller learns it lost the race.
func (r *BookingRepository) PromoteHold(ctx context.Context, professionalID, reservationID string, to model.Status, evt outbox.Event) (booking.Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	defer tx.Rollback(ctx)

	var day string
	err = tx.QueryRow(ctx, `
		SELECT day::text FROM appointments
		WHERE id = $1 AND professional_id = $2
	`, reservationID, professionalID).Scan(&day)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.OutcomeAlreadySettled, nil
	}
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}

	if err := lockDay(ctx, tx, professionalID, day); err != nil {
		return booking.OutcomeAlreadySettled, err
	}

	var status string
	var start, end int
	err = tx.QueryRow(ctx, `
		SELECT status, start_minute, end_minute FROM appointments
		WHERE id = $1 AND professional_id = $2
		FOR UPDATE
	`, reservationID, professionalID).Scan(&status, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.OutcomeAlreadySettled, nil
	}
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if model.Status(status) != model.StatusAwaitingPayment {
		return booking.OutcomeAlreadySettled, nil
	}

	busy, err := r.blockingIntervals(ctx, tx, professionalID, day, reservationID)
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if availability.Overlaps(schedule.Minute(start), schedule.Minute(end), busy) {
		if _, err := tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, reservationID); err != nil {
			return booking.OutcomeAlreadySettled, err
		}
		if err := tx.Commit(ctx); err != nil {
			return booking.OutcomeAlreadySettled, err
		}
		return booking.OutcomeConflict, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, reservationID, string(to))
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := tx.Commit(ctx); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	return booking.OutcomeApplied, nil
}

func (r *BookingRepository) DeleteHold(ctx context.Context, professionalID, reservationID string, evt outbox.Event) (booking.Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1 AND professional_id = $2 AND status = $3
	`, reservationID, professionalID, string(model.StatusAwaitingPayment))
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if tag.RowsAffected() == 0 {
		return booking.OutcomeAlreadySettled, nil
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := tx.Commit(ctx); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	return booking.OutcomeApplied, nil
}

func (r *BookingRepository) CancelAppointment(ctx context.Context, professionalID, appointmentID, reason string, evt outbox.Event) (booking.Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM appointments
		WHERE id = $1 AND professional_id = $2
		FOR UPDATE
	`, appointmentID, professionalID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.OutcomeAlreadySettled, booking.ErrNotFound
	}
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if model.Status(status) == model.StatusCancelled {
		return booking.OutcomeAlreadySettled, nil
	}
	// Unpaid holds lapse or are released; only settled appointments become
	// cancelled records.
	if model.Status(status) == model.StatusAwaitingPayment {
		return booking.OutcomeAlreadySettled, &booking.ValidationError{Msg: "appointment is an unpaid hold"}
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, cancel_reason = $3, expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, appointmentID, string(model.StatusCancelled), reason)
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := tx.Commit(ctx); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	return booking.OutcomeApplied, nil
}

func (r *BookingRepository) ApproveAppointment(ctx context.Context, professionalID, appointmentID string, evt outbox.Event) (booking.Outcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM appointments
		WHERE id = $1 AND professional_id = $2
		FOR UPDATE
	`, appointmentID, professionalID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.OutcomeAlreadySettled, booking.ErrNotFound
	}
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if model.Status(status) != model.StatusPendingConfirmation {
		return booking.OutcomeAlreadySettled, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, appointmentID, string(model.StatusConfirmed))
	if err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	if err := tx.Commit(ctx); err != nil {
		return booking.OutcomeAlreadySettled, err
	}
	return booking.OutcomeApplied, nil
}

// lockDay serializes writers for one professional's calendar day.
func lockDay(ctx context.Context, tx pgx.Tx, professionalID, day string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, professionalID+":"+day)
	return err
}

func (r *BookingRepository) sweepExpiredHolds(ctx context.Context, tx pgx.Tx, professionalID, day string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM appointments
		WHERE professional_id = $1 AND day = $2
			AND status = $3
			AND expires_at IS NOT NULL AND expires_at < $4
	`, professionalID, day, string(model.StatusAwaitingPayment), r.now())
	return err
}

// blockingIntervals returns the live occupied intervals for (professional,
// day): cancelled rows and lapsed holds do not block.
func (r *BookingRepository) blockingIntervals(ctx context.Context, tx pgx.Tx, professionalID, day, excludeID string) ([]availability.Busy, error) {
	rows, err := tx.Query(ctx, `
		SELECT start_minute, end_minute FROM appointments
		WHERE professional_id = $1 AND day = $2
			AND id::text <> $3
			AND status <> $4
			AND (expires_at IS NULL OR expires_at >= $5)
	`, professionalID, day, excludeID, string(model.StatusCancelled), r.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var busy []availability.Busy
	for rows.Next() {
		var b availability.Busy
		if err := rows.Scan(&b.Start, &b.End); err != nil {
			return nil, err
		}
		busy = append(busy, b)
	}
	return busy, rows.Err()
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		var start, end int
		var status string
		if err := rows.Scan(
			&appt.ID,
			&appt.ProfessionalID,
			&appt.Client.Name,
			&appt.Client.TaxID,
			&appt.Client.Phone,
			&appt.Client.Email,
			&appt.Day,
			&start,
			&end,
			&appt.ServiceID,
			&appt.ServiceName,
			&appt.ServiceDurationMinutes,
			&appt.PriceCents,
			&status,
			&appt.CancelReason,
			&appt.ExpiresAt,
			&appt.CreatedAt,
			&appt.UpdatedAt,
		); err != nil {
			return nil, err
		}
		appt.StartMinute = schedule.Minute(start)
		appt.EndMinute = schedule.Minute(end)
		appt.Status = model.Status(status)
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

// IsConflict reports a Postgres exclusion-constraint violation, raised when
// a write would produce two blocking rows on the same interval.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
