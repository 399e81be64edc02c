package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agendahub/agendahub/services/payments-service/internal/outbox"
	"github.com/agendahub/agendahub/services/payments-service/internal/storage"
)

// Service encapsulates payment settlement and its side effects (outbox
// events). Keeping this out of HTTP handlers makes it reusable for the
// webhook, the local dev webhook, and the reconciler.
type Service struct {
	repo       *storage.Repository
	outboxRepo *outbox.Repository
}

func New(repo *storage.Repository, outboxRepo *outbox.Repository) *Service {
	return &Service{repo: repo, outboxRepo: outboxRepo}
}

// ApplySucceeded marks the session completed and emits
// payments.payment.succeeded.v1. A session already settled emits nothing,
// so webhook retries and reconciler passes cannot fan out twice.
func (s *Service) ApplySucceeded(ctx context.Context, tx pgx.Tx, providerSessionID string, occurredAt time.Time, provider string) error {
	sess, ok, err := s.repo.GetCheckoutSessionForUpdate(ctx, tx, providerSessionID)
	if err != nil {
		return err
	}
	if !ok || sess.Status == "completed" {
		return nil
	}

	if err := s.repo.MarkCheckoutSessionCompleted(ctx, tx, providerSessionID, occurredAt); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"reservation_id":      sess.ReservationID,
		"professional_id":     sess.ProfessionalID,
		"provider":            provider,
		"provider_session_id": providerSessionID,
		"amount_cents":        sess.AmountCents,
		"occurred_at":         occurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "payment",
		AggregateID:   sess.ReservationID,
		EventType:     "payments.payment.succeeded.v1",
		Payload:       payload,
	})
}

// ApplyFailed marks the session with the given terminal status (expired or
// canceled) and emits payments.payment.failed.v1 so the hold is released.
// Completed sessions never regress.
func (s *Service) ApplyFailed(ctx context.Context, tx pgx.Tx, providerSessionID, terminalStatus, reason string, occurredAt time.Time, provider string) error {
	sess, ok, err := s.repo.GetCheckoutSessionForUpdate(ctx, tx, providerSessionID)
	if err != nil {
		return err
	}
	if !ok || sess.Status == "completed" || sess.Status == terminalStatus {
		return nil
	}

	switch terminalStatus {
	case "expired":
		err = s.repo.MarkCheckoutSessionExpired(ctx, tx, providerSessionID, occurredAt)
	default:
		err = s.repo.MarkCheckoutSessionCanceled(ctx, tx, providerSessionID, occurredAt)
	}
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"reservation_id":      sess.ReservationID,
		"professional_id":     sess.ProfessionalID,
		"provider":            provider,
		"provider_session_id": providerSessionID,
		"reason":              reason,
		"occurred_at":         occurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "payment",
		AggregateID:   sess.ReservationID,
		EventType:     "payments.payment.failed.v1",
		Payload:       payload,
	})
}
