package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// WindowFilter bounds availability listings. Nil fields are unconstrained.
type WindowFilter struct {
	ProviderID *uuid.UUID
	From       *Date
	To         *Date
}

// AppointmentFilter bounds appointment listings. Nil fields are
// unconstrained. ParticipantID scopes the result to appointments the given
// id participates in as provider or client.
type AppointmentFilter struct {
	ProviderID    *uuid.UUID
	ClientID      *uuid.UUID
	ParticipantID *uuid.UUID
	Status        *Status
	From          *Date
	To            *Date
}

type AvailabilityRepository interface {
	Create(ctx context.Context, win *AvailabilityWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error)
	Update(ctx context.Context, win *AvailabilityWindow) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error)
	// ListByProviderDate returns every window for the provider on the given
	// day, ordered by start time.
	ListByProviderDate(ctx context.Context, providerID uuid.UUID, date Date) ([]*AvailabilityWindow, error)
	// CoversRange reports whether a single window for the provider on the
	// given day fully contains r.
	CoversRange(ctx context.Context, providerID uuid.UUID, date Date, r TimeRange) (bool, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, appt *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, appt *Appointment) error
	List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// ListOverlapping returns the provider's non-cancelled appointments on
	// the given day whose range overlaps r. exclude, when non-nil, omits
	// that appointment id (used when rescheduling).
	ListOverlapping(ctx context.Context, providerID uuid.UUID, date Date, r TimeRange, exclude *uuid.UUID) ([]*Appointment, error)
}
