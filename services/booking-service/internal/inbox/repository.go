package inbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agendahub/agendahub/libs/db"
)

// Repository deduplicates consumed events. Payment notifications are
// delivered at least once; an event id is recorded only after its handler
// succeeds, so a redelivery after a transient failure gets another attempt
// while a redelivery of settled work is dropped.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Seen reports whether the event id was already processed.
func (r *Repository) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM inbox_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	return exists, err
}

// Record returns false when the event id was already processed.
func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}
