package availability

import (
	"log/slog"
	"time"

	"github.com/agendahub/agendahub/services/booking-service/internal/model"
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

// Busy is an occupied interval on one professional's day.
type Busy struct {
	Start schedule.Minute
	End   schedule.Minute
}

// Overlaps reports whether [start, end) intersects any busy interval.
// Half-open semantics: a slot ending exactly when another starts does not
// conflict.
func Overlaps(start, end schedule.Minute, busy []Busy) bool {
	for _, b := range busy {
		if start < b.End && end > b.Start {
			return true
		}
	}
	return false
}

// MarkConflicts flags every slot that intersects a busy interval.
func MarkConflicts(slots []Slot, busy []Busy) {
	for i := range slots {
		slots[i].Conflicted = Overlaps(slots[i].Start, slots[i].End, busy)
	}
}

// BusyFromAppointments reduces a day's appointments to busy intervals.
//
// Cancelled rows never block. Holds whose expiry has passed are treated as
// non-existent; the storage layer deletes them opportunistically, this
// filter is what makes the expiry effective before that happens.
//
// Structurally broken rows (inverted or out-of-range interval) are skipped
// and logged rather than failing the whole check: upstream data may be
// malformed, and an unbookable calendar is worse for the caller than one
// suspicious record. The warn log keeps the drift visible.
func BusyFromAppointments(appts []model.Appointment, now time.Time, logger *slog.Logger) []Busy {
	busy := make([]Busy, 0, len(appts))
	for _, a := range appts {
		if a.Status == model.StatusCancelled {
			continue
		}
		if a.Status == model.StatusAwaitingPayment && a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
			continue
		}
		if !a.StartMinute.Valid() || a.EndMinute <= a.StartMinute || a.EndMinute > 24*60 {
			if logger != nil {
				logger.Warn("skipping malformed appointment interval",
					"appointment_id", a.ID,
					"start_minute", int(a.StartMinute),
					"end_minute", int(a.EndMinute),
				)
			}
			continue
		}
		busy = append(busy, Busy{Start: a.StartMinute, End: a.EndMinute})
	}
	return busy
}
