package scheduling

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Date is a calendar day. It renders as "YYYY-MM-DD" in JSON and maps to the
// Postgres date type.
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate builds a Date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, ErrValidation("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date { return Date{d.AddDate(0, 0, n)} }

func (d Date) After(other Date) bool  { return d.Time.After(other.Time) }
func (d Date) Before(other Date) bool { return d.Time.Before(other.Time) }
func (d Date) Equal(other Date) bool {
	y1, m1, day1 := d.Date()
	y2, m2, day2 := other.Date()
	return y1 == y2 && m1 == m2 && day1 == day2
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value implements driver.Valuer for timestamp-free date columns.
func (d Date) Value() (driver.Value, error) { return d.Time, nil }

// Scan implements sql.Scanner.
func (d *Date) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		d.Time = v
		return nil
	case string:
		parsed, err := ParseDate(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into Date", src)
}

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

var statusTransitions = map[Status]map[Status]bool{
	StatusScheduled: {
		StatusConfirmed: true,
		StatusCancelled: true,
		StatusCompleted: true,
		StatusNoShow:    true,
	},
	StatusConfirmed: {
		StatusCancelled: true,
		StatusCompleted: true,
		StatusNoShow:    true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusNoShow:    {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	return statusTransitions[s][next]
}

// Field limits enforced at booking time.
const (
	MaxNotesLen    = 2000
	MaxLocationLen = 255
)

// AvailabilityWindow is a block of bookable time for a provider on one day.
// A recurring window is a seed: creating it also materializes one
// non-recurring window per matching weekday through RecurringUntil.
type AvailabilityWindow struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ProviderID     uuid.UUID `db:"provider_id" json:"provider_id"`
	Date           Date      `db:"date" json:"date"`
	StartTime      TimeOfDay `db:"start_min" json:"start_time"`
	EndTime        TimeOfDay `db:"end_min" json:"end_time"`
	Recurring      bool      `db:"recurring" json:"recurring"`
	RecurringDays  []int32   `db:"recurring_days" json:"recurring_days,omitempty"`
	RecurringUntil *Date     `db:"recurring_until" json:"recurring_until,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Range returns the window's half-open time range.
func (w *AvailabilityWindow) Range() TimeRange {
	return TimeRange{Start: w.StartTime, End: w.EndTime}
}

// Appointment is a booked block of a provider's time for a client.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	ProviderID         uuid.UUID  `db:"provider_id" json:"provider_id"`
	ClientID           uuid.UUID  `db:"client_id" json:"client_id"`
	ServiceID          uuid.UUID  `db:"service_id" json:"service_id"`
	Date               Date       `db:"date" json:"date"`
	StartTime          TimeOfDay  `db:"start_min" json:"start_time"`
	EndTime            TimeOfDay  `db:"end_min" json:"end_time"`
	Status             Status     `db:"status" json:"status"`
	Notes              *string    `db:"notes" json:"notes,omitempty"`
	Location           *string    `db:"location" json:"location,omitempty"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledBy        *uuid.UUID `db:"cancelled_by" json:"cancelled_by,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Range returns the appointment's half-open time range.
func (a *Appointment) Range() TimeRange {
	return TimeRange{Start: a.StartTime, End: a.EndTime}
}

// Active reports whether the appointment still occupies its slot.
func (a *Appointment) Active() bool {
	return a.Status == StatusScheduled || a.Status == StatusConfirmed
}

// IsParticipant reports whether id is the appointment's provider or client.
func (a *Appointment) IsParticipant(id uuid.UUID) bool {
	return id != uuid.Nil && (id == a.ProviderID || id == a.ClientID)
}
