package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/platform/auth"
	"github.com/bookline/bookline/pkg/page"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(cat *Catalog) *Handler {
	return &Handler{catalog: cat}
}

// Mount wires the directory endpoints under g. Reads are open to any
// authenticated staff; writes need admin or manager.
func (h *Handler) Mount(g *echo.Group) {
	g.GET("/providers", h.listProviders)
	g.GET("/providers/:id", h.getProvider)
	g.GET("/services", h.listServices)
	g.GET("/services/:id", h.getService)

	write := g.Group("", auth.RequireAnyRole("admin", "manager"))
	write.POST("/providers", h.createProvider)
	write.PUT("/providers/:id", h.updateProvider)
	write.DELETE("/providers/:id", h.deactivateProvider)
	write.POST("/services", h.createService)
	write.PUT("/services/:id", h.updateService)
	write.DELETE("/services/:id", h.deactivateService)
}

// pathID parses the :id path segment; what names the resource in the 400.
func pathID(c echo.Context, what string) (uuid.UUID, error) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+what+" id")
	}
	return id, nil
}

// writeErr maps the directory's error surface onto HTTP statuses. The two
// sentinels get resource-named messages; everything else keeps its own text
// under the fallback status the call site picks.
func writeErr(err error, what string, fallback int) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, what+" not found")
	case errors.Is(err, ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, what+" already exists")
	default:
		return echo.NewHTTPError(fallback, err.Error())
	}
}

// -- Providers --

func (h *Handler) createProvider(c echo.Context) error {
	var prov Provider
	if err := c.Bind(&prov); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed provider body")
	}
	if err := h.catalog.CreateProvider(c.Request().Context(), &prov); err != nil {
		return writeErr(err, "provider", http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, prov)
}

func (h *Handler) getProvider(c echo.Context) error {
	id, err := pathID(c, "provider")
	if err != nil {
		return err
	}
	prov, err := h.catalog.GetProvider(c.Request().Context(), id)
	if err != nil {
		return writeErr(err, "provider", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, prov)
}

func (h *Handler) listProviders(c echo.Context) error {
	f, err := providerFilterFromQuery(c)
	if err != nil {
		return err
	}
	w := page.FromRequest(c)
	providers, total, err := h.catalog.ListProviders(c.Request().Context(), f, w.Limit, w.Offset)
	if err != nil {
		return writeErr(err, "provider", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, page.Wrap(providers, total, w))
}

func (h *Handler) updateProvider(c echo.Context) error {
	id, err := pathID(c, "provider")
	if err != nil {
		return err
	}
	var prov Provider
	if err := c.Bind(&prov); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed provider body")
	}
	prov.ID = id
	if err := h.catalog.UpdateProvider(c.Request().Context(), &prov); err != nil {
		return writeErr(err, "provider", http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, prov)
}

func (h *Handler) deactivateProvider(c echo.Context) error {
	id, err := pathID(c, "provider")
	if err != nil {
		return err
	}
	if err := h.catalog.DeactivateProvider(c.Request().Context(), id); err != nil {
		return writeErr(err, "provider", http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Services --

func (h *Handler) createService(c echo.Context) error {
	var svc Service
	if err := c.Bind(&svc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed service body")
	}
	if err := h.catalog.CreateService(c.Request().Context(), &svc); err != nil {
		return writeErr(err, "service", http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, svc)
}

func (h *Handler) getService(c echo.Context) error {
	id, err := pathID(c, "service")
	if err != nil {
		return err
	}
	svc, err := h.catalog.GetService(c.Request().Context(), id)
	if err != nil {
		return writeErr(err, "service", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, svc)
}

func (h *Handler) listServices(c echo.Context) error {
	f, err := serviceFilterFromQuery(c)
	if err != nil {
		return err
	}
	w := page.FromRequest(c)
	services, total, err := h.catalog.ListServices(c.Request().Context(), f, w.Limit, w.Offset)
	if err != nil {
		return writeErr(err, "service", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, page.Wrap(services, total, w))
}

func (h *Handler) updateService(c echo.Context) error {
	id, err := pathID(c, "service")
	if err != nil {
		return err
	}
	var svc Service
	if err := c.Bind(&svc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed service body")
	}
	svc.ID = id
	if err := h.catalog.UpdateService(c.Request().Context(), &svc); err != nil {
		return writeErr(err, "service", http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, svc)
}

func (h *Handler) deactivateService(c echo.Context) error {
	id, err := pathID(c, "service")
	if err != nil {
		return err
	}
	if err := h.catalog.DeactivateService(c.Request().Context(), id); err != nil {
		return writeErr(err, "service", http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Query parsing --

func providerFilterFromQuery(c echo.Context) (ProviderFilter, error) {
	var f ProviderFilter
	active, err := activeQuery(c)
	if err != nil {
		return f, err
	}
	f.Active = active
	return f, nil
}

func serviceFilterFromQuery(c echo.Context) (ServiceFilter, error) {
	var f ServiceFilter
	active, err := activeQuery(c)
	if err != nil {
		return f, err
	}
	f.Active = active
	return f, nil
}

func activeQuery(c echo.Context) (*bool, error) {
	raw := c.QueryParam("active")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid active filter")
	}
	return &v, nil
}
