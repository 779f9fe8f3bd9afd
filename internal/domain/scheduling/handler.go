package scheduling

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/platform/auth"
	"github.com/bookline/bookline/pkg/page"
)

type Handler struct {
	booking *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{booking: s}
}

// Mount wires the booking and availability endpoints under g.
func (h *Handler) Mount(g *echo.Group) {
	g.GET("/appointments", h.listAppointments)
	g.POST("/appointments", h.bookAppointment)
	g.GET("/appointments/:id", h.getAppointment)
	g.PUT("/appointments/:id", h.rescheduleAppointment)
	g.POST("/appointments/:id/confirm", h.confirmAppointment)
	g.POST("/appointments/:id/complete", h.completeAppointment)
	g.POST("/appointments/:id/no-show", h.markNoShow)
	g.POST("/appointments/:id/cancel", h.cancelAppointment)

	g.GET("/availability", h.listAvailability)
	g.POST("/availability", h.createAvailability)
	g.PUT("/availability/:id", h.updateAvailability)
	g.DELETE("/availability/:id", h.deleteAvailability)
}

// actorFromContext rebuilds the calling actor from the identity the auth
// middleware stored. A missing or malformed subject yields a zero-id actor,
// which the policy layer treats as an outsider.
func actorFromContext(c echo.Context) Actor {
	ident := auth.IdentityFromContext(c.Request().Context())
	id, _ := uuid.Parse(ident.ID)
	return Actor{ID: id, Roles: ident.Roles}
}

// statusByCode maps the domain error taxonomy to HTTP statuses.
var statusByCode = map[ErrorCode]int{
	CodeValidation:           http.StatusBadRequest,
	CodeNotFound:             http.StatusNotFound,
	CodeForbidden:            http.StatusForbidden,
	CodeProviderUnavailable:  http.StatusUnprocessableEntity,
	CodeAppointmentConflict:  http.StatusConflict,
	CodeAvailabilityOverlap:  http.StatusConflict,
	CodeExistingAppointments: http.StatusConflict,
	CodeInvalidStatusChange:  http.StatusConflict,
}

// writeError renders a domain error with its mapped status. Anything outside
// the taxonomy travels as an opaque 500.
func writeError(c echo.Context, err error) error {
	if status, ok := statusByCode[CodeOf(err)]; ok {
		return c.JSON(status, err)
	}
	return c.JSON(http.StatusInternalServerError,
		&Error{Code: CodeInternal, Message: "internal error"})
}

// pathID parses the :id path segment. Junk ids are a validation error so the
// response carries the same envelope as every other client mistake.
func pathID(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrValidation("invalid id %q in path", raw)
	}
	return id, nil
}

func bindBody(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return ErrValidation("malformed request body: %v", err)
	}
	return nil
}

// -- Appointments --

func (h *Handler) bookAppointment(c echo.Context) error {
	var req BookRequest
	if err := bindBody(c, &req); err != nil {
		return writeError(c, err)
	}
	appt, err := h.booking.Book(c.Request().Context(), actorFromContext(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) getAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return writeError(c, err)
	}
	appt, err := h.booking.Get(c.Request().Context(), actorFromContext(c), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) listAppointments(c echo.Context) error {
	w := page.FromRequest(c)
	f, err := appointmentFilterFromQuery(c)
	if err != nil {
		return writeError(c, err)
	}
	items, total, err := h.booking.List(c.Request().Context(), actorFromContext(c), f, w.Limit, w.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page.Wrap(items, total, w))
}

func (h *Handler) rescheduleAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req RescheduleRequest
	if err := bindBody(c, &req); err != nil {
		return writeError(c, err)
	}
	appt, err := h.booking.Reschedule(c.Request().Context(), actorFromContext(c), id, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) confirmAppointment(c echo.Context) error {
	return h.transition(c, h.booking.Confirm)
}

func (h *Handler) completeAppointment(c echo.Context) error {
	return h.transition(c, h.booking.Complete)
}

func (h *Handler) markNoShow(c echo.Context) error {
	return h.transition(c, h.booking.MarkNoShow)
}

func (h *Handler) transition(c echo.Context, fn func(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error)) error {
	id, err := pathID(c)
	if err != nil {
		return writeError(c, err)
	}
	appt, err := fn(c.Request().Context(), actorFromContext(c), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type cancelBody struct {
	Reason *string `json:"reason,omitempty"`
}

func (h *Handler) cancelAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return writeError(c, err)
	}
	var body cancelBody
	if err := bindBody(c, &body); err != nil {
		return writeError(c, err)
	}
	appt, err := h.booking.Cancel(c.Request().Context(), actorFromContext(c), id, body.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

// -- Availability --

func (h *Handler) createAvailability(c echo.Context) error {
	var req CreateWindowRequest
	if err := bindBody(c, &req); err != nil {
		return writeError(c, err)
	}
	result, err := h.booking.CreateWindow(c.Request().Context(), actorFromContext(c), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) listAvailability(c echo.Context) error {
	w := page.FromRequest(c)
	f, err := windowFilterFromQuery(c)
	if err != nil {
		return writeError(c, err)
	}
	items, total, err := h.booking.ListWindows(c.Request().Context(), f, w.Limit, w.Offset)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page.Wrap(items, total, w))
}

func (h *Handler) updateAvailability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return writeError(c, err)
	}
	var req UpdateWindowRequest
	if err := bindBody(c, &req); err != nil {
		return writeError(c, err)
	}
	win, err := h.booking.UpdateWindow(c.Request().Context(), actorFromContext(c), id, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, win)
}

func (h *Handler) deleteAvailability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := h.booking.DeleteWindow(c.Request().Context(), actorFromContext(c), id); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Query parsing --

func appointmentFilterFromQuery(c echo.Context) (AppointmentFilter, error) {
	var f AppointmentFilter
	var err error
	if f.ProviderID, err = uuidQuery(c, "provider_id"); err != nil {
		return f, err
	}
	if f.ClientID, err = uuidQuery(c, "client_id"); err != nil {
		return f, err
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := Status(raw)
		if !st.Valid() {
			return f, ErrValidation("unknown status %q", raw)
		}
		f.Status = &st
	}
	if f.From, err = dateQuery(c, "from"); err != nil {
		return f, err
	}
	f.To, err = dateQuery(c, "to")
	return f, err
}

func windowFilterFromQuery(c echo.Context) (WindowFilter, error) {
	var f WindowFilter
	var err error
	if f.ProviderID, err = uuidQuery(c, "provider_id"); err != nil {
		return f, err
	}
	if f.From, err = dateQuery(c, "from"); err != nil {
		return f, err
	}
	f.To, err = dateQuery(c, "to")
	return f, err
}

func uuidQuery(c echo.Context, name string) (*uuid.UUID, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, ErrValidation("invalid %s %q", name, raw)
	}
	return &id, nil
}

func dateQuery(c echo.Context, name string) (*Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	d, err := ParseDate(raw)
	if err != nil {
		return nil, ErrValidation("invalid %s %q, want YYYY-MM-DD", name, raw)
	}
	return &d, nil
}
