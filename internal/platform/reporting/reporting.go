// Package reporting serves a fixed catalog of operational reports computed
// over the scheduling tables. Each report is canned SQL; callers pick one
// by id and supply a date range.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/platform/auth"
)

const dateLayout = "2006-01-02"

// ReportSpec describes one canned report. The SQL never leaves the server;
// the catalog endpoint serves only the metadata.
type ReportSpec struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Summary string   `json:"description"`
	Query   string   `json:"-"`
	Params  []string `json:"params"`
}

// Report is the evaluated result handed back over the API.
type Report struct {
	ReportID    string            `json:"report_id"`
	Name        string            `json:"name"`
	GeneratedAt time.Time         `json:"generated_at"`
	Params      map[string]string `json:"params,omitempty"`
	Rows        []map[string]any  `json:"rows"`
}

// catalog holds every report the service offers. All of them take a from/to
// date range (inclusive, YYYY-MM-DD) bound as $1/$2, defaulting to the
// trailing 30 days.
var catalog = []ReportSpec{
	{
		ID:      "appointment-volume-by-status",
		Name:    "Appointment Volume by Status",
		Summary: "Number of appointments in the date range grouped by lifecycle status",
		Query: `SELECT status, COUNT(*) AS total
			FROM appointment
			WHERE date BETWEEN $1 AND $2
			GROUP BY status ORDER BY total DESC`,
		Params: []string{"from", "to"},
	},
	{
		ID:      "bookings-per-provider",
		Name:    "Bookings per Provider",
		Summary: "Number of non-cancelled appointments per provider in the date range",
		Query: `SELECT provider_id, COUNT(*) AS total
			FROM appointment
			WHERE status <> 'cancelled' AND date BETWEEN $1 AND $2
			GROUP BY provider_id ORDER BY total DESC`,
		Params: []string{"from", "to"},
	},
	{
		ID:      "cancellation-rate",
		Name:    "Cancellation Rate",
		Summary: "Share of appointments in the date range that were cancelled",
		Query: `SELECT COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) AS cancelled,
			ROUND(COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)::numeric
				/ NULLIF(COUNT(*), 0), 4) AS rate
			FROM appointment
			WHERE date BETWEEN $1 AND $2`,
		Params: []string{"from", "to"},
	},
	{
		ID:   "availability-utilization",
		Name: "Availability Utilization",
		Summary: "Booked minutes as a share of offered availability minutes per provider. " +
			"Counts concrete windows only; recurring templates are not expanded.",
		Query: `SELECT w.provider_id,
			SUM(w.end_min - w.start_min) AS offered_minutes,
			COALESCE(MAX(b.booked_minutes), 0) AS booked_minutes,
			ROUND(COALESCE(MAX(b.booked_minutes), 0)::numeric
				/ NULLIF(SUM(w.end_min - w.start_min), 0), 4) AS utilization
			FROM availability_window w
			LEFT JOIN (
				SELECT provider_id, SUM(end_min - start_min) AS booked_minutes
				FROM appointment
				WHERE status <> 'cancelled' AND date BETWEEN $1 AND $2
				GROUP BY provider_id
			) b ON b.provider_id = w.provider_id
			WHERE w.recurring = FALSE AND w.date BETWEEN $1 AND $2
			GROUP BY w.provider_id
			ORDER BY utilization DESC NULLS LAST`,
		Params: []string{"from", "to"},
	},
	{
		ID:      "no-show-rate",
		Name:    "No-show Rate",
		Summary: "Share of concluded appointments in the date range marked no_show",
		Query: `SELECT COUNT(*) AS concluded,
			COALESCE(SUM(CASE WHEN status = 'no_show' THEN 1 ELSE 0 END), 0) AS no_shows,
			ROUND(COALESCE(SUM(CASE WHEN status = 'no_show' THEN 1 ELSE 0 END), 0)::numeric
				/ NULLIF(COUNT(*), 0), 4) AS rate
			FROM appointment
			WHERE status IN ('completed', 'no_show') AND date BETWEEN $1 AND $2`,
		Params: []string{"from", "to"},
	},
}

// lookupSpec resolves a catalog id, or returns nil.
func lookupSpec(id string) *ReportSpec {
	for i := range catalog {
		if catalog[i].ID == id {
			return &catalog[i]
		}
	}
	return nil
}

// Handler serves the reporting endpoints.
type Handler struct {
	db *pgxpool.Pool
}

func NewHandler(db *pgxpool.Pool) *Handler {
	return &Handler{db: db}
}

// Mount attaches the reporting API. Reports are a management
// surface, so they sit behind the admin and manager roles.
func (h *Handler) Mount(api *echo.Group) {
	g := api.Group("/reports", auth.RequireAnyRole("admin", "manager"))
	g.GET("/measures", h.ListReports)
	g.GET("/measures/:id/evaluate", h.RunReport)
}

// ListReports serves the report catalog.
func (h *Handler) ListReports(c echo.Context) error {
	return c.JSON(http.StatusOK, catalog)
}

// RunReport evaluates one report over its resolved date range.
func (h *Handler) RunReport(c echo.Context) error {
	spec := lookupSpec(c.Param("id"))
	if spec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown report")
	}

	params, args, err := resolveParams(spec, c)
	if err != nil {
		return err
	}

	rows, err := h.collectRows(c.Request().Context(), spec.Query, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("report query: %v", err))
	}

	return c.JSON(http.StatusOK, Report{
		ReportID:    spec.ID,
		Name:        spec.Name,
		GeneratedAt: time.Now().UTC(),
		Params:      params,
		Rows:        rows,
	})
}

// resolveParams reads the report's declared parameters from the query
// string in declaration order, which is also their positional bind order.
// Date parameters are validated here so a typo surfaces as a 400, not a
// postgres error.
func resolveParams(spec *ReportSpec, c echo.Context) (map[string]string, []any, error) {
	now := time.Now()
	defaults := map[string]string{
		"from": now.AddDate(0, 0, -30).Format(dateLayout),
		"to":   now.Format(dateLayout),
	}

	params := make(map[string]string, len(spec.Params))
	args := make([]any, 0, len(spec.Params))
	for _, name := range spec.Params {
		raw := c.QueryParam(name)
		if raw == "" {
			raw = defaults[name]
		}
		if name == "from" || name == "to" {
			if _, err := time.Parse(dateLayout, raw); err != nil {
				return nil, nil, echo.NewHTTPError(http.StatusBadRequest,
					fmt.Sprintf("parameter %q must be a date in YYYY-MM-DD form", name))
			}
		}
		params[name] = raw
		args = append(args, raw)
	}
	return params, args, nil
}

// collectRows runs the report SQL and flattens each row into a map keyed
// by column name, which is the shape the JSON report carries. An empty
// result set marshals as [], not null.
func (h *Handler) collectRows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := h.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := rows.FieldDescriptions()
	out := []map[string]any{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		entry := make(map[string]any, len(cols))
		for i, col := range cols {
			entry[col.Name] = vals[i]
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
