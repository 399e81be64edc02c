package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agendahub/agendahub/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CheckoutSession tracks one payment attempt for one reservation. The
// provider session id is the key; the reservation id travels in provider
// metadata and comes back on the webhook.
type CheckoutSession struct {
	ProviderSessionID string
	ProfessionalID    string
	ReservationID     string
	ServiceName       string
	AmountCents       int64
	Status            string
	URL               string
	ReturnToken       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
	CanceledAt        *time.Time
	ReturnSeenAt      *time.Time
	ExpiredAt         *time.Time
}

func (r *Repository) UpsertCheckoutSession(ctx context.Context, tx pgx.Tx, s CheckoutSession) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO checkout_sessions (provider_session_id, professional_id, reservation_id, service_name, amount_cents, status, url, return_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_session_id)
		DO UPDATE SET professional_id = EXCLUDED.professional_id,
		              reservation_id = EXCLUDED.reservation_id,
		              service_name = EXCLUDED.service_name,
		              amount_cents = EXCLUDED.amount_cents,
		              status = EXCLUDED.status,
		              url = EXCLUDED.url,
		              updated_at = now()
	`, s.ProviderSessionID, s.ProfessionalID, s.ReservationID, s.ServiceName, s.AmountCents, s.Status, nullIfEmpty(s.URL), nullIfEmpty(s.ReturnToken))
	return err
}

const sessionSelect = `
	SELECT provider_session_id, professional_id, reservation_id, COALESCE(service_name, ''), amount_cents, status,
	       COALESCE(url, ''), COALESCE(return_token, ''), created_at, updated_at,
	       completed_at, canceled_at, return_seen_at, expired_at
	FROM checkout_sessions
`

func (r *Repository) GetCheckoutSession(ctx context.Context, providerSessionID string) (CheckoutSession, error) {
	return scanSession(r.pool.QueryRow(ctx, sessionSelect+`WHERE provider_session_id = $1`, providerSessionID))
}

// GetCheckoutSessionByReservation returns the most recent checkout session
// created for a reservation.
func (r *Repository) GetCheckoutSessionByReservation(ctx context.Context, professionalID, reservationID string) (CheckoutSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		sessionSelect+`WHERE professional_id = $1 AND reservation_id = $2 ORDER BY created_at DESC LIMIT 1`,
		professionalID, reservationID))
}

// GetCheckoutSessionForUpdate locks the row so a webhook and the reconciler
// cannot settle the same session twice.
func (r *Repository) GetCheckoutSessionForUpdate(ctx context.Context, tx pgx.Tx, providerSessionID string) (CheckoutSession, bool, error) {
	s, err := scanSession(tx.QueryRow(ctx, sessionSelect+`WHERE provider_session_id = $1 FOR UPDATE`, providerSessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return CheckoutSession{}, false, nil
	}
	if err != nil {
		return CheckoutSession{}, false, err
	}
	return s, true, nil
}

func scanSession(row pgx.Row) (CheckoutSession, error) {
	var s CheckoutSession
	err := row.Scan(
		&s.ProviderSessionID,
		&s.ProfessionalID,
		&s.ReservationID,
		&s.ServiceName,
		&s.AmountCents,
		&s.Status,
		&s.URL,
		&s.ReturnToken,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.CompletedAt,
		&s.CanceledAt,
		&s.ReturnSeenAt,
		&s.ExpiredAt,
	)
	if err != nil {
		return CheckoutSession{}, err
	}
	return s, nil
}

func (r *Repository) MarkCheckoutSessionCompleted(ctx context.Context, tx pgx.Tx, providerSessionID string, completedAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = now()
		WHERE provider_session_id = $1
	`, providerSessionID, completedAt)
	return err
}

func (r *Repository) MarkCheckoutSessionCanceled(ctx context.Context, tx pgx.Tx, providerSessionID string, canceledAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'canceled',
		    canceled_at = $2,
		    updated_at = now()
		WHERE provider_session_id = $1 AND status <> 'completed'
	`, providerSessionID, canceledAt)
	return err
}

func (r *Repository) MarkCheckoutSessionExpired(ctx context.Context, tx pgx.Tx, providerSessionID string, expiredAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'expired',
		    expired_at = $2,
		    updated_at = now()
		WHERE provider_session_id = $1 AND status <> 'completed'
	`, providerSessionID, expiredAt)
	return err
}

func (r *Repository) AckCheckoutReturn(ctx context.Context, tx pgx.Tx, providerSessionID string, token string, result string, seenAt time.Time) error {
	// Token protects this public endpoint from being used to tamper with other sessions.
	// Only mark canceled when the webhook has not already completed it; the
	// webhook is the source of truth for payment outcome.
	if strings.TrimSpace(result) == "" {
		result = "unknown"
	}
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET return_seen_at = $4,
		    status = CASE
		      WHEN $3 = 'cancel' AND status <> 'completed' THEN 'canceled'
		      ELSE status
		    END,
		    canceled_at = CASE
		      WHEN $3 = 'cancel' AND status <> 'completed' THEN COALESCE(canceled_at, $4)
		      ELSE canceled_at
		    END,
		    updated_at = now()
		WHERE provider_session_id = $1 AND return_token = $2
	`, providerSessionID, token, result, seenAt)
	return err
}

// ListStaleCheckoutSessions returns sessions still 'created' past the given
// age. The reconciler polls the provider for their real outcome when
// webhooks were missed.
func (r *Repository) ListStaleCheckoutSessions(ctx context.Context, olderThan time.Time, limit int) ([]CheckoutSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, sessionSelect+`
		WHERE status = 'created' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckoutSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		// keep raw JSON error as a hard failure: webhook should be well-formed.
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

type AuditEvent struct {
	EventType      string
	ActorType      string
	ActorID        string
	ProfessionalID string
	Metadata       []byte
}

func (r *Repository) InsertAuditEvent(ctx context.Context, tx pgx.Tx, evt AuditEvent) error {
	var payload any
	if len(evt.Metadata) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(evt.Metadata, &payload); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_events (event_type, actor_type, actor_id, professional_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, evt.EventType, evt.ActorType, nullIfEmpty(evt.ActorID), nullIfEmpty(evt.ProfessionalID), payload)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
