package scheduling

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// BookRequest is the validated input for Book. ClientID may be left zero by
// non-administrative callers; it then defaults to the actor.
type BookRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
	ClientID   uuid.UUID `json:"client_id,omitempty"`
	ServiceID  uuid.UUID `json:"service_id"`
	Date       Date      `json:"date"`
	StartTime  TimeOfDay `json:"start_time"`
	EndTime    TimeOfDay `json:"end_time"`
	Notes      *string   `json:"notes,omitempty"`
	Location   *string   `json:"location,omitempty"`
}

// Book creates an appointment with status scheduled. The requested range
// must lie entirely within one availability window of the provider and must
// not overlap any non-cancelled appointment. Both checks run on a single
// transaction snapshot; the no-overlap exclusion constraint closes the
// remaining race, so concurrent overlapping requests commit at most once.
func (s *Service) Book(ctx context.Context, actor Actor, req BookRequest) (*Appointment, error) {
	if req.ProviderID == uuid.Nil {
		return nil, ErrValidation("provider_id is required")
	}
	if req.ServiceID == uuid.Nil {
		return nil, ErrValidation("service_id is required")
	}
	if req.Date.IsZero() {
		return nil, ErrValidation("date is required")
	}
	tr, err := NewTimeRange(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	if err := validateFreeText(req.Notes, req.Location); err != nil {
		return nil, err
	}

	clientID := req.ClientID
	if clientID == uuid.Nil {
		clientID = actor.ID
	}
	if clientID == uuid.Nil {
		return nil, ErrValidation("client_id is required")
	}
	if clientID != actor.ID && !actor.Administrative() {
		return nil, ErrForbidden("only an administrator may book on behalf of another client")
	}

	if ok, err := s.directory.ProviderActive(ctx, req.ProviderID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound("provider %s not found or inactive", req.ProviderID)
	}
	if ok, err := s.directory.ServiceActive(ctx, req.ServiceID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound("service %s not found or inactive", req.ServiceID)
	}

	appt := &Appointment{
		ProviderID: req.ProviderID,
		ClientID:   clientID,
		ServiceID:  req.ServiceID,
		Date:       req.Date,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Status:     StatusScheduled,
		Notes:      cleanText(req.Notes),
		Location:   cleanText(req.Location),
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.checkBookable(ctx, req.ProviderID, req.Date, tr, nil); err != nil {
			return err
		}
		return s.appointments.Create(ctx, appt)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("provider_id", appt.ProviderID.String()).
		Str("date", appt.Date.String()).
		Str("window", appt.Range().String()).
		Msg("appointment booked")
	return appt, nil
}

// checkBookable enforces the two booking invariants for a provider, day and
// range: containment within availability and absence of conflicts.
func (s *Service) checkBookable(ctx context.Context, providerID uuid.UUID, date Date, tr TimeRange, exclude *uuid.UUID) error {
	covered, err := s.windows.CoversRange(ctx, providerID, date, tr)
	if err != nil {
		return err
	}
	if !covered {
		return ErrProviderUnavailable("provider has no availability on %s covering %s", date, tr)
	}
	conflicts, err := s.appointments.ListOverlapping(ctx, providerID, date, tr, exclude)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return ErrAppointmentConflict("provider is already booked at %s on %s", conflicts[0].Range(), date)
	}
	return nil
}

// RescheduleRequest patches an appointment's day, bounds or service. Nil
// fields keep their current value. Provider and client never change.
type RescheduleRequest struct {
	Date      *Date      `json:"date,omitempty"`
	StartTime *TimeOfDay `json:"start_time,omitempty"`
	EndTime   *TimeOfDay `json:"end_time,omitempty"`
	ServiceID *uuid.UUID `json:"service_id,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
	Location  *string    `json:"location,omitempty"`
}

// Reschedule moves a scheduled or confirmed appointment, re-running the
// booking checks against the new bounds.
func (s *Service) Reschedule(ctx context.Context, actor Actor, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	if err := validateFreeText(req.Notes, req.Location); err != nil {
		return nil, err
	}

	var appt *Appointment
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !s.policy.CanMutateAppointment(actor, a) {
			return ErrForbidden("only a participant or an administrator may reschedule this appointment")
		}
		if !a.Active() {
			return ErrInvalidStatusChange("cannot reschedule a %s appointment", a.Status)
		}

		if req.Date != nil {
			a.Date = *req.Date
		}
		if req.StartTime != nil {
			a.StartTime = *req.StartTime
		}
		if req.EndTime != nil {
			a.EndTime = *req.EndTime
		}
		tr, err := NewTimeRange(a.StartTime, a.EndTime)
		if err != nil {
			return err
		}
		if req.ServiceID != nil && *req.ServiceID != a.ServiceID {
			if ok, err := s.directory.ServiceActive(ctx, *req.ServiceID); err != nil {
				return err
			} else if !ok {
				return ErrNotFound("service %s not found or inactive", *req.ServiceID)
			}
			a.ServiceID = *req.ServiceID
		}
		if req.Notes != nil {
			a.Notes = cleanText(req.Notes)
		}
		if req.Location != nil {
			a.Location = cleanText(req.Location)
		}

		if err := s.checkBookable(ctx, a.ProviderID, a.Date, tr, &a.ID); err != nil {
			return err
		}
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("date", appt.Date.String()).
		Str("window", appt.Range().String()).
		Msg("appointment rescheduled")
	return appt, nil
}

// Get returns one appointment to a participant or administrator.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanViewAppointment(actor, a) {
		return nil, ErrForbidden("only a participant or an administrator may view this appointment")
	}
	return a, nil
}

// List returns appointments matching the filter. Non-administrative actors
// only ever see appointments they participate in.
func (s *Service) List(ctx context.Context, actor Actor, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if !actor.Administrative() {
		actorID := actor.ID
		f.ParticipantID = &actorID
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusConfirmed, nil)
}

// Complete marks an appointment as completed.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusCompleted, nil)
}

// MarkNoShow records that the client did not attend.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusNoShow, nil)
}

// Cancel cancels an appointment, recording who cancelled and why. The slot
// is freed for rebooking. Cancelling an already cancelled appointment is a
// no-op success that leaves the original cancellation record untouched.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason *string) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusCancelled, reason)
}

func (s *Service) transition(ctx context.Context, actor Actor, id uuid.UUID, to Status, reason *string) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanTransition(actor, a, to) {
		return nil, ErrForbidden("not allowed to mark this appointment %s", to)
	}
	if to == StatusCancelled && a.Status == StatusCancelled {
		return a, nil
	}
	if !a.Status.CanTransitionTo(to) {
		return nil, ErrInvalidStatusChange("cannot change a %s appointment to %s", a.Status, to)
	}

	a.Status = to
	if to == StatusCancelled {
		actorID := actor.ID
		a.CancelledBy = &actorID
		a.CancellationReason = cleanText(reason)
	}
	if err := s.appointments.Update(ctx, a); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", a.ID.String()).
		Str("status", string(to)).
		Msg("appointment status changed")
	return a, nil
}

func validateFreeText(notes, location *string) error {
	if notes != nil && len(*notes) > MaxNotesLen {
		return ErrValidation("notes exceed %d characters", MaxNotesLen)
	}
	if location != nil && len(*location) > MaxLocationLen {
		return ErrValidation("location exceeds %d characters", MaxLocationLen)
	}
	return nil
}

// cleanText strips control characters from client free text, keeping
// newlines and tabs, and trims surrounding whitespace. Nil passes through.
func cleanText(p *string) *string {
	if p == nil {
		return nil
	}
	cleaned := strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, *p))
	return &cleaned
}
