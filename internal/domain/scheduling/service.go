package scheduling

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Directory resolves providers and service offerings from the catalog.
type Directory interface {
	// ProviderActive reports whether the provider exists and is bookable.
	ProviderActive(ctx context.Context, id uuid.UUID) (bool, error)
	// ServiceActive reports whether the service offering exists and is bookable.
	ServiceActive(ctx context.Context, id uuid.UUID) (bool, error)
}

// TxRunner runs fn inside a database transaction. The transaction is made
// available to repositories through the context.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service implements availability management, booking and the appointment
// lifecycle over the repositories.
type Service struct {
	windows      AvailabilityRepository
	appointments AppointmentRepository
	directory    Directory
	tx           TxRunner
	policy       Policy
	log          zerolog.Logger
}

func NewService(windows AvailabilityRepository, appointments AppointmentRepository, directory Directory, tx TxRunner, log zerolog.Logger) *Service {
	return &Service{
		windows:      windows,
		appointments: appointments,
		directory:    directory,
		tx:           tx,
		log:          log,
	}
}

// CreateWindowRequest is the validated input for CreateWindow. Weekday
// ordinals in RecurringDays run 0=Sunday through 6=Saturday.
type CreateWindowRequest struct {
	ProviderID     uuid.UUID `json:"provider_id"`
	Date           Date      `json:"date"`
	StartTime      TimeOfDay `json:"start_time"`
	EndTime        TimeOfDay `json:"end_time"`
	Recurring      bool      `json:"recurring"`
	RecurringDays  []int32   `json:"recurring_days,omitempty"`
	RecurringUntil *Date     `json:"recurring_until,omitempty"`
}

// CreateWindowResult reports the seed window plus every recurrence sibling
// that was materialized. Skipped counts siblings dropped because they would
// have overlapped existing windows; the seed itself is never affected.
type CreateWindowResult struct {
	Window   *AvailabilityWindow   `json:"window"`
	Expanded []*AvailabilityWindow `json:"expanded,omitempty"`
	Skipped  int                   `json:"skipped,omitempty"`
}

// CreateWindow validates and persists an availability window, then
// materializes its recurrence best-effort.
func (s *Service) CreateWindow(ctx context.Context, actor Actor, req CreateWindowRequest) (*CreateWindowResult, error) {
	if req.ProviderID == uuid.Nil {
		return nil, ErrValidation("provider_id is required")
	}
	if req.Date.IsZero() {
		return nil, ErrValidation("date is required")
	}
	tr, err := NewTimeRange(req.StartTime, req.EndTime)
	if err != nil {
		return nil, err
	}
	for _, d := range req.RecurringDays {
		if d < 0 || d > 6 {
			return nil, ErrValidation("recurring day %d is out of range 0-6", d)
		}
	}
	if !s.policy.CanManageAvailability(actor, req.ProviderID) {
		return nil, ErrForbidden("only the provider or an administrator may manage availability")
	}

	ok, err := s.directory.ProviderActive(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound("provider %s not found or inactive", req.ProviderID)
	}

	siblings, err := s.windows.ListByProviderDate(ctx, req.ProviderID, req.Date)
	if err != nil {
		return nil, err
	}
	for _, w := range siblings {
		if w.Range().Overlaps(tr) {
			return nil, ErrAvailabilityOverlap("window %s on %s overlaps existing window %s", tr, req.Date, w.Range())
		}
	}

	seed := &AvailabilityWindow{
		ProviderID:     req.ProviderID,
		Date:           req.Date,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Recurring:      req.Recurring,
		RecurringDays:  req.RecurringDays,
		RecurringUntil: req.RecurringUntil,
	}
	if err := s.windows.Create(ctx, seed); err != nil {
		return nil, err
	}

	result := &CreateWindowResult{Window: seed}
	s.materializeRecurrence(ctx, seed, result)
	return result, nil
}

// materializeRecurrence persists the expansion of a recurring seed. Failures
// on individual siblings are logged and counted, never propagated: the seed
// has already been created and stays created.
func (s *Service) materializeRecurrence(ctx context.Context, seed *AvailabilityWindow, result *CreateWindowResult) {
	for _, w := range expandRecurrence(seed) {
		siblings, err := s.windows.ListByProviderDate(ctx, w.ProviderID, w.Date)
		if err != nil {
			result.Skipped++
			s.log.Error().Err(err).
				Str("provider_id", w.ProviderID.String()).
				Str("date", w.Date.String()).
				Msg("recurrence expansion failed")
			continue
		}
		if overlapsAny(siblings, w.Range()) {
			result.Skipped++
			s.logSkippedSibling(w)
			continue
		}
		if err := s.windows.Create(ctx, w); err != nil {
			result.Skipped++
			if CodeOf(err) == CodeAvailabilityOverlap {
				s.logSkippedSibling(w)
			} else {
				s.log.Error().Err(err).
					Str("provider_id", w.ProviderID.String()).
					Str("date", w.Date.String()).
					Msg("recurrence expansion failed")
			}
			continue
		}
		result.Expanded = append(result.Expanded, w)
	}
}

func (s *Service) logSkippedSibling(w *AvailabilityWindow) {
	s.log.Warn().
		Str("provider_id", w.ProviderID.String()).
		Str("date", w.Date.String()).
		Str("window", w.Range().String()).
		Msg("recurrence expansion skipped conflicting window")
}

func overlapsAny(windows []*AvailabilityWindow, tr TimeRange) bool {
	for _, w := range windows {
		if w.Range().Overlaps(tr) {
			return true
		}
	}
	return false
}

// UpdateWindowRequest patches a window's day or bounds. Nil fields keep
// their current value. Recurrence fields are fixed at creation.
type UpdateWindowRequest struct {
	Date      *Date      `json:"date,omitempty"`
	StartTime *TimeOfDay `json:"start_time,omitempty"`
	EndTime   *TimeOfDay `json:"end_time,omitempty"`
}

// UpdateWindow moves or resizes a window. Appointments depending on the
// window must remain inside the new bounds.
func (s *Service) UpdateWindow(ctx context.Context, actor Actor, id uuid.UUID, req UpdateWindowRequest) (*AvailabilityWindow, error) {
	w, err := s.windows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanManageAvailability(actor, w.ProviderID) {
		return nil, ErrForbidden("only the provider or an administrator may manage availability")
	}

	oldDate, oldRange := w.Date, w.Range()
	if req.Date != nil {
		w.Date = *req.Date
	}
	if req.StartTime != nil {
		w.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		w.EndTime = *req.EndTime
	}
	newRange, err := NewTimeRange(w.StartTime, w.EndTime)
	if err != nil {
		return nil, err
	}

	siblings, err := s.windows.ListByProviderDate(ctx, w.ProviderID, w.Date)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.ID != w.ID && sib.Range().Overlaps(newRange) {
			return nil, ErrAvailabilityOverlap("window %s on %s overlaps existing window %s", newRange, w.Date, sib.Range())
		}
	}

	dependents, err := s.appointments.ListOverlapping(ctx, w.ProviderID, oldDate, oldRange, nil)
	if err != nil {
		return nil, err
	}
	dateChanged := !w.Date.Equal(oldDate)
	for _, a := range dependents {
		if dateChanged || !newRange.Contains(a.Range()) {
			return nil, ErrExistingAppointments("%d appointment(s) would fall outside the updated window", len(dependents))
		}
	}

	if err := s.windows.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteWindow removes a window that no non-cancelled appointment depends on.
func (s *Service) DeleteWindow(ctx context.Context, actor Actor, id uuid.UUID) error {
	w, err := s.windows.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !s.policy.CanManageAvailability(actor, w.ProviderID) {
		return ErrForbidden("only the provider or an administrator may manage availability")
	}

	dependents, err := s.appointments.ListOverlapping(ctx, w.ProviderID, w.Date, w.Range(), nil)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return ErrExistingAppointments("%d appointment(s) overlap this window", len(dependents))
	}

	return s.windows.Delete(ctx, id)
}

// ListWindows returns windows matching the filter, ordered by date then
// start time. Reading availability is open to any authenticated caller.
func (s *Service) ListWindows(ctx context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error) {
	return s.windows.List(ctx, f, limit, offset)
}
