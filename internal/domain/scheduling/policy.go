package scheduling

import "github.com/google/uuid"

// Administrative roles may act on any record.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

// Actor is the authenticated principal an operation runs on behalf of.
type Actor struct {
	ID    uuid.UUID
	Roles []string
}

// HasRole reports whether the actor carries the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Administrative reports whether the actor may act on records they do not
// participate in.
func (a Actor) Administrative() bool {
	return a.HasRole(RoleAdmin) || a.HasRole(RoleManager)
}

// Policy is the single authorization rule set for the scheduling domain.
// It is pure: every decision is a function of the actor and the record.
type Policy struct{}

// CanViewAppointment permits participants and administrators.
func (Policy) CanViewAppointment(actor Actor, appt *Appointment) bool {
	return actor.Administrative() || appt.IsParticipant(actor.ID)
}

// CanMutateAppointment permits participants and administrators. Covers
// reschedule and any edit of notes or location.
func (Policy) CanMutateAppointment(actor Actor, appt *Appointment) bool {
	return actor.Administrative() || appt.IsParticipant(actor.ID)
}

// CanTransition decides who may move an appointment to a given status:
// cancellation is open to any participant, the remaining transitions are
// provider actions.
func (Policy) CanTransition(actor Actor, appt *Appointment, to Status) bool {
	if actor.Administrative() {
		return true
	}
	switch to {
	case StatusCancelled:
		return appt.IsParticipant(actor.ID)
	case StatusConfirmed, StatusCompleted, StatusNoShow:
		return actor.ID != uuid.Nil && actor.ID == appt.ProviderID
	}
	return false
}

// CanManageAvailability permits the provider themselves and administrators.
func (Policy) CanManageAvailability(actor Actor, providerID uuid.UUID) bool {
	return actor.Administrative() || (actor.ID != uuid.Nil && actor.ID == providerID)
}
