package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Minute is a time of day expressed as minutes since midnight.
// All slot arithmetic happens on this type; "HH:MM" strings exist only at
// the API boundary.
type Minute int

const minutesPerDay = 24 * 60

var ErrInvalidClock = errors.New("invalid clock value, want HH:MM")

// ParseClock converts "HH:MM" into a Minute. "24:00" is accepted as the
// exclusive end-of-day bound so a window can close at midnight.
func ParseClock(s string) (Minute, error) {
	if s == "24:00" {
		return minutesPerDay, nil
	}
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, ok1 := twoDigits(s[0], s[1])
	m, ok2 := twoDigits(s[3], s[4])
	if !ok1 || !ok2 || h > 23 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Minute(h*60 + m), nil
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}

// Clock renders the minute as "HH:MM".
func (m Minute) Clock() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// Valid reports whether m is a representable time of day.
func (m Minute) Valid() bool {
	return m >= 0 && m < minutesPerDay
}

// Window is one recurring open period within a weekday. Half-open: a
// professional accepting [540, 720) works 09:00 up to, not including, 12:00.
type Window struct {
	Start Minute `json:"start"`
	End   Minute `json:"end"`
}

func (w Window) Validate() error {
	if !w.Start.Valid() || !(w.End > 0 && w.End <= minutesPerDay) {
		return fmt.Errorf("window %s-%s out of range", w.Start.Clock(), w.End.Clock())
	}
	if w.Start >= w.End {
		return fmt.Errorf("window start %s must be before end %s", w.Start.Clock(), w.End.Clock())
	}
	return nil
}

// Weekly is a professional's recurring availability, keyed by weekday.
// A weekday may carry zero, one, or many disjoint windows (multiple shifts).
type Weekly map[time.Weekday][]Window

// Validate checks every window and rejects overlapping windows within the
// same weekday. Windows touching end-to-start are allowed.
func (wk Weekly) Validate() error {
	for day, windows := range wk {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("invalid weekday %d", int(day))
		}
		for _, w := range windows {
			if err := w.Validate(); err != nil {
				return fmt.Errorf("%s: %w", day, err)
			}
		}
		sorted := make([]Window, len(windows))
		copy(sorted, windows)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
		for i := 1; i < len(sorted); i++ {
			if sorted[i].Start < sorted[i-1].End {
				return fmt.Errorf("%s: windows %s-%s and %s-%s overlap",
					day,
					sorted[i-1].Start.Clock(), sorted[i-1].End.Clock(),
					sorted[i].Start.Clock(), sorted[i].End.Clock())
			}
		}
	}
	return nil
}

// For returns the windows for one weekday in chronological order.
func (wk Weekly) For(day time.Weekday) []Window {
	windows := wk[day]
	if len(windows) < 2 {
		return windows
	}
	out := make([]Window, len(windows))
	copy(out, windows)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// FixedZone builds the professional's fixed-offset location. The platform
// does not do general timezone math; each professional carries a single UTC
// offset (minutes east of UTC, e.g. -180 for UTC-3).
func FixedZone(offsetMinutes int) *time.Location {
	name := fmt.Sprintf("UTC%+d", offsetMinutes/60)
	return time.FixedZone(name, offsetMinutes*60)
}
