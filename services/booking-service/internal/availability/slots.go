package availability

import (
	"github.com/agendahub/agendahub/services/booking-service/internal/schedule"
)

// Slot is a candidate bookable interval for one calendar day. Derived on
// demand from the weekly windows and a service duration; never persisted.
type Slot struct {
	Start      schedule.Minute
	End        schedule.Minute
	Conflicted bool
}

// GenerateSlots emits the candidate slots a service of durationMin minutes
// fits into the given windows, leaving breakMin minutes between sessions.
//
// Windows are assumed to already be filtered to the target weekday. Each
// window is walked independently (no merging across windows): starting at
// the window's open, a slot [cursor, cursor+duration) is emitted while it
// still ends within the window, then the cursor advances by
// duration+breakMin. A window shorter than the duration yields no slots;
// that is not an error.
//
// Pure: identical inputs yield identical output.
func GenerateSlots(windows []schedule.Window, durationMin, breakMin int) []Slot {
	if durationMin <= 0 || breakMin < 0 {
		return nil
	}

	var slots []Slot
	stride := schedule.Minute(durationMin + breakMin)
	duration := schedule.Minute(durationMin)
	for _, w := range windows {
		for cursor := w.Start; cursor+duration <= w.End; cursor += stride {
			slots = append(slots, Slot{Start: cursor, End: cursor + duration})
		}
	}
	return slots
}
