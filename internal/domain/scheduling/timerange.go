// Package scheduling implements availability windows, appointment booking and
// the appointment lifecycle for the provider calendar.
package scheduling

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time expressed as minutes since midnight.
// It renders as "HH:MM" in JSON and maps to an integer column.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from an hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses "HH:MM" (24-hour clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, ErrValidation("invalid time %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, ErrValidation("invalid time %q: expected HH:MM", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, ErrValidation("invalid time %q: expected HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, ErrValidation("invalid time %q: out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// Valid reports whether t falls within a single day.
func (t TimeOfDay) Valid() bool { return t >= 0 && t < minutesPerDay }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TimeRange is a half-open interval [Start, End) within a single day.
type TimeRange struct {
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
}

// NewTimeRange validates that both bounds fall within one day and that the
// range is non-empty. Ranges crossing midnight are rejected.
func NewTimeRange(start, end TimeOfDay) (TimeRange, error) {
	if !start.Valid() {
		return TimeRange{}, ErrValidation("start_time %s is out of range", start)
	}
	if !end.Valid() {
		return TimeRange{}, ErrValidation("end_time %s is out of range", end)
	}
	if end <= start {
		return TimeRange{}, ErrValidation("end_time must be after start_time")
	}
	return TimeRange{Start: start, End: end}, nil
}

// Overlaps reports whether the two half-open ranges share any instant.
// Touching bounds ([09:00,10:00) and [10:00,11:00)) do not overlap.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Contains reports whether other lies entirely within r.
func (r TimeRange) Contains(other TimeRange) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// Minutes returns the length of the range.
func (r TimeRange) Minutes() int { return int(r.End - r.Start) }

func (r TimeRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}
