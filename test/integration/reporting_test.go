package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/domain/scheduling"
	"github.com/bookline/bookline/internal/platform/reporting"
)

// runReport evaluates one catalog report through the handler and decodes
// the result.
func runReport(t *testing.T, measureID, from, to string) *reporting.Report {
	t.Helper()
	h := reporting.NewHandler(testPool)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/reports/measures/"+measureID+"/evaluate?from="+from+"&to="+to, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(measureID)

	if err := h.RunReport(c); err != nil {
		t.Fatalf("RunReport(%s): %v", measureID, err)
	}
	var report reporting.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return &report
}

// num reads a numeric column from a decoded result row. JSON numbers land as
// float64.
func num(t *testing.T, row map[string]any, col string) float64 {
	t.Helper()
	v, ok := row[col].(float64)
	if !ok {
		t.Fatalf("column %q = %v (%T), want number", col, row[col], row[col])
	}
	return v
}

func seedAppointment(t *testing.T, ctx context.Context, providerID, serviceID uuid.UUID, date scheduling.Date, startMin, endMin int, status string) {
	t.Helper()
	_, err := testPool.Exec(ctx, `
		INSERT INTO appointment (id, provider_id, client_id, service_id, date, start_min, end_min, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), providerID, uuid.New(), serviceID, date, startMin, endMin, status)
	if err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
}

func TestReports_EndToEnd(t *testing.T) {
	ctx := context.Background()
	truncateScheduling(t, ctx)

	svc, cat := newStack()
	provider := createTestProvider(t, ctx, cat, "Dr. Report")
	service := createTestService(t, ctx, cat, "consult", 60)
	date := scheduling.NewDate(2026, time.October, 5)

	// One 8-hour window, then four one-hour appointments: completed, no_show,
	// cancelled and scheduled.
	createTestWindow(t, ctx, svc, provider.ID, date, at(9, 0), at(17, 0))
	seedAppointment(t, ctx, provider.ID, service.ID, date, 600, 660, "completed")
	seedAppointment(t, ctx, provider.ID, service.ID, date, 660, 720, "no_show")
	seedAppointment(t, ctx, provider.ID, service.ID, date, 720, 780, "cancelled")
	seedAppointment(t, ctx, provider.ID, service.ID, date, 780, 840, "scheduled")

	from, to := "2026-10-01", "2026-10-31"

	t.Run("appointment-volume-by-status", func(t *testing.T) {
		report := runReport(t, "appointment-volume-by-status", from, to)
		if len(report.Rows) != 4 {
			t.Fatalf("got %d status rows, want 4", len(report.Rows))
		}
		for _, row := range report.Rows {
			if got := num(t, row, "total"); got != 1 {
				t.Errorf("status %v total = %v, want 1", row["status"], got)
			}
		}
	})

	t.Run("bookings-per-provider", func(t *testing.T) {
		report := runReport(t, "bookings-per-provider", from, to)
		if len(report.Rows) != 1 {
			t.Fatalf("got %d provider rows, want 1", len(report.Rows))
		}
		if got := num(t, report.Rows[0], "total"); got != 3 {
			t.Errorf("non-cancelled bookings = %v, want 3", got)
		}
	})

	t.Run("cancellation-rate", func(t *testing.T) {
		report := runReport(t, "cancellation-rate", from, to)
		if len(report.Rows) != 1 {
			t.Fatalf("got %d rows, want 1", len(report.Rows))
		}
		row := report.Rows[0]
		if got := num(t, row, "total"); got != 4 {
			t.Errorf("total = %v, want 4", got)
		}
		if got := num(t, row, "cancelled"); got != 1 {
			t.Errorf("cancelled = %v, want 1", got)
		}
		if got := num(t, row, "rate"); got != 0.25 {
			t.Errorf("rate = %v, want 0.25", got)
		}
	})

	t.Run("no-show-rate", func(t *testing.T) {
		report := runReport(t, "no-show-rate", from, to)
		row := report.Rows[0]
		if got := num(t, row, "concluded"); got != 2 {
			t.Errorf("concluded = %v, want 2", got)
		}
		if got := num(t, row, "rate"); got != 0.5 {
			t.Errorf("no-show rate = %v, want 0.5", got)
		}
	})

	t.Run("availability-utilization", func(t *testing.T) {
		report := runReport(t, "availability-utilization", from, to)
		if len(report.Rows) != 1 {
			t.Fatalf("got %d provider rows, want 1", len(report.Rows))
		}
		row := report.Rows[0]
		if got := num(t, row, "offered_minutes"); got != 480 {
			t.Errorf("offered_minutes = %v, want 480", got)
		}
		// Three live hours; the cancelled hour does not count.
		if got := num(t, row, "booked_minutes"); got != 180 {
			t.Errorf("booked_minutes = %v, want 180", got)
		}
		if got := num(t, row, "utilization"); got != 0.375 {
			t.Errorf("utilization = %v, want 0.375", got)
		}
	})
}

func TestReports_EmptyRange(t *testing.T) {
	ctx := context.Background()
	truncateScheduling(t, ctx)

	report := runReport(t, "cancellation-rate", "2026-01-01", "2026-01-31")
	if len(report.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(report.Rows))
	}
	row := report.Rows[0]
	if got := num(t, row, "total"); got != 0 {
		t.Errorf("total = %v, want 0", got)
	}
	// NULLIF guards the division: rate must be null, not an error.
	if row["rate"] != nil {
		t.Errorf("rate = %v, want null for empty range", row["rate"])
	}
}
