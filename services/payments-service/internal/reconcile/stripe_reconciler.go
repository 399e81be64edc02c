package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"

	"github.com/agendahub/agendahub/libs/db"
	"github.com/agendahub/agendahub/services/payments-service/internal/payments"
	"github.com/agendahub/agendahub/services/payments-service/internal/storage"
)

// StripeReconciler sweeps checkout sessions stuck in 'created' and settles
// them from Stripe's view of the world. Webhooks are the primary path; this
// catches deliveries we missed during downtime.
type StripeReconciler struct {
	pool        *db.Pool
	repo        *storage.Repository
	paySvc      *payments.Service
	logger      *slog.Logger
	stripeKey   string
	olderThan   time.Duration
	batchSize   int
	advisoryKey int64
}

type StripeReconcilerConfig struct {
	StripeSecretKey string
	Interval        time.Duration
	OlderThan       time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func NewStripeReconciler(pool *db.Pool, repo *storage.Repository, paySvc *payments.Service, logger *slog.Logger, cfg StripeReconcilerConfig) *StripeReconciler {
	key := strings.TrimSpace(cfg.StripeSecretKey)
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 50
	}
	older := cfg.OlderThan
	if older <= 0 {
		older = 10 * time.Minute
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		// Stable-ish default; override via env if you run multiple payments instances.
		lockKey = 4242002
	}
	return &StripeReconciler{
		pool:        pool,
		repo:        repo,
		paySvc:      paySvc,
		logger:      logger,
		stripeKey:   key,
		olderThan:   older,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (r *StripeReconciler) Run(ctx context.Context, interval time.Duration) {
	if strings.TrimSpace(r.stripeKey) == "" {
		r.logger.Warn("stripe reconcile disabled: STRIPE_SECRET_KEY missing")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments.
	// Only the instance holding the advisory lock will reconcile.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("stripe reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			r.logger.Info("stripe reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("stripe reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	stripe.Key = r.stripeKey
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *StripeReconciler) reconcileOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.olderThan)
	sessions, err := r.repo.ListStaleCheckoutSessions(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error("stripe reconcile: failed to list checkout sessions", "err", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(s.ProviderSessionID) == "" {
			continue
		}

		stripeSess, err := checkoutsession.Get(s.ProviderSessionID, nil)
		if err != nil {
			r.logger.Warn("stripe reconcile: failed to fetch checkout session", "err", err, "provider_session_id", s.ProviderSessionID, "reservation_id", s.ReservationID)
			continue
		}

		paid := stripeSess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			stripeSess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
		expired := stripeSess.Status == stripe.CheckoutSessionStatusExpired
		if !paid && !expired {
			// Still open; let the customer finish.
			continue
		}

		tx, err := r.repo.Begin(ctx)
		if err != nil {
			r.logger.Error("stripe reconcile: db begin failed", "err", err)
			return
		}

		applyErr := func() error {
			occurredAt := time.Now().UTC()
			if stripeSess.ExpiresAt > 0 && expired {
				occurredAt = time.Unix(stripeSess.ExpiresAt, 0).UTC()
			}
			if paid {
				return r.paySvc.ApplySucceeded(ctx, tx, s.ProviderSessionID, occurredAt, "stripe")
			}
			return r.paySvc.ApplyFailed(ctx, tx, s.ProviderSessionID, "expired", "session_expired", occurredAt, "stripe")
		}()

		if applyErr != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("stripe reconcile: apply failed", "err", applyErr, "provider_session_id", s.ProviderSessionID, "reservation_id", s.ReservationID)
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.Warn("stripe reconcile: commit failed", "err", err, "provider_session_id", s.ProviderSessionID, "reservation_id", s.ReservationID)
			continue
		}
	}
}
