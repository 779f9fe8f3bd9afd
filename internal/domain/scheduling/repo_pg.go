package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookline/bookline/internal/platform/db"
)

// dbtx is the intersection of pgxpool.Pool and pgx.Tx that the repositories
// need, so every statement can run against either.
type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// runner picks the transaction carried by ctx when one is open, so repository
// calls made inside RunInTx share its snapshot. Otherwise it is the pool.
func runner(ctx context.Context, pool *pgxpool.Pool) dbtx {
	if tx := db.ActiveTx(ctx); tx != nil {
		return tx
	}
	return pool
}

// isExclusionViolation reports whether err is a Postgres exclusion constraint
// violation, raised by the GiST no-overlap constraints on both tables.
func isExclusionViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23P01"
}

// condSet accumulates WHERE conditions together with their positional
// arguments, numbering placeholders in the order arguments are added.
type condSet struct {
	conds []string
	args  []any
}

// add appends v and the condition expr, substituting the argument's position
// for expr's %d verbs.
func (c *condSet) add(expr string, v any) {
	c.args = append(c.args, v)
	c.conds = append(c.conds, fmt.Sprintf(expr, len(c.args)))
}

// where renders the accumulated conditions as a WHERE clause, or an empty
// string when nothing was added.
func (c *condSet) where() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

const windowCols = `id, provider_id, date, start_min, end_min,
	recurring, recurring_days, recurring_until, created_at, updated_at`

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	err := row.Scan(&w.ID, &w.ProviderID, &w.Date, &w.StartTime, &w.EndTime,
		&w.Recurring, &w.RecurringDays, &w.RecurringUntil, &w.CreatedAt, &w.UpdatedAt)
	return &w, err
}

// postgresAvailabilityRepo persists availability windows.
type postgresAvailabilityRepo struct{ pool *pgxpool.Pool }

func NewPostgresAvailabilityRepo(pool *pgxpool.Pool) AvailabilityRepository {
	return &postgresAvailabilityRepo{pool: pool}
}

func (r *postgresAvailabilityRepo) Create(ctx context.Context, w *AvailabilityWindow) error {
	w.ID = uuid.New()
	err := runner(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO availability_window (id, provider_id, date, start_min, end_min,
			recurring, recurring_days, recurring_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		w.ID, w.ProviderID, w.Date, w.StartTime, w.EndTime,
		w.Recurring, w.RecurringDays, w.RecurringUntil,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if isExclusionViolation(err) {
		return ErrAvailabilityOverlap("window %s on %s overlaps an existing window", w.Range(), w.Date)
	}
	return err
}

func (r *postgresAvailabilityRepo) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	w, err := scanWindow(runner(ctx, r.pool).QueryRow(ctx,
		`SELECT `+windowCols+` FROM availability_window WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound("availability window %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *postgresAvailabilityRepo) Update(ctx context.Context, w *AvailabilityWindow) error {
	err := runner(ctx, r.pool).QueryRow(ctx, `
		UPDATE availability_window SET date=$2, start_min=$3, end_min=$4, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		w.ID, w.Date, w.StartTime, w.EndTime,
	).Scan(&w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound("availability window %s not found", w.ID)
	}
	if isExclusionViolation(err) {
		return ErrAvailabilityOverlap("window %s on %s overlaps an existing window", w.Range(), w.Date)
	}
	return err
}

func (r *postgresAvailabilityRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := runner(ctx, r.pool).Exec(ctx, `DELETE FROM availability_window WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound("availability window %s not found", id)
	}
	return nil
}

func windowConds(f WindowFilter) *condSet {
	c := &condSet{}
	if f.ProviderID != nil {
		c.add("provider_id = $%d", *f.ProviderID)
	}
	if f.From != nil {
		c.add("date >= $%d", *f.From)
	}
	if f.To != nil {
		c.add("date <= $%d", *f.To)
	}
	return c
}

func (r *postgresAvailabilityRepo) List(ctx context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error) {
	q := runner(ctx, r.pool)
	c := windowConds(f)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM availability_window`+c.where(), c.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	c.args = append(c.args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM availability_window%s ORDER BY date ASC, start_min ASC LIMIT $%d OFFSET $%d`,
		windowCols, c.where(), len(c.args)-1, len(c.args)), c.args...)
	if err != nil {
		return nil, 0, err
	}
	windows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*AvailabilityWindow, error) {
		return scanWindow(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return windows, total, nil
}

func (r *postgresAvailabilityRepo) ListByProviderDate(ctx context.Context, providerID uuid.UUID, date Date) ([]*AvailabilityWindow, error) {
	rows, err := runner(ctx, r.pool).Query(ctx,
		`SELECT `+windowCols+` FROM availability_window
		WHERE provider_id = $1 AND date = $2 ORDER BY start_min ASC`,
		providerID, date)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*AvailabilityWindow, error) {
		return scanWindow(row)
	})
}

func (r *postgresAvailabilityRepo) CoversRange(ctx context.Context, providerID uuid.UUID, date Date, tr TimeRange) (bool, error) {
	var covered bool
	err := runner(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM availability_window
			WHERE provider_id = $1 AND date = $2 AND start_min <= $3 AND end_min >= $4
		)`,
		providerID, date, tr.Start, tr.End,
	).Scan(&covered)
	return covered, err
}

const appointmentCols = `id, provider_id, client_id, service_id, date, start_min, end_min,
	status, notes, location, cancellation_reason, cancelled_by, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.ProviderID, &a.ClientID, &a.ServiceID, &a.Date, &a.StartTime, &a.EndTime,
		&a.Status, &a.Notes, &a.Location, &a.CancellationReason, &a.CancelledBy, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

// postgresAppointmentRepo persists appointments.
type postgresAppointmentRepo struct{ pool *pgxpool.Pool }

func NewPostgresAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &postgresAppointmentRepo{pool: pool}
}

func (r *postgresAppointmentRepo) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := runner(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment (id, provider_id, client_id, service_id, date, start_min, end_min,
			status, notes, location)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.ProviderID, a.ClientID, a.ServiceID, a.Date, a.StartTime, a.EndTime,
		a.Status, a.Notes, a.Location,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isExclusionViolation(err) {
		return ErrAppointmentConflict("provider is already booked at %s on %s", a.Range(), a.Date)
	}
	return err
}

func (r *postgresAppointmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(runner(ctx, r.pool).QueryRow(ctx,
		`SELECT `+appointmentCols+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound("appointment %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *postgresAppointmentRepo) Update(ctx context.Context, a *Appointment) error {
	err := runner(ctx, r.pool).QueryRow(ctx, `
		UPDATE appointment SET service_id=$2, date=$3, start_min=$4, end_min=$5, status=$6,
			notes=$7, location=$8, cancellation_reason=$9, cancelled_by=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.ServiceID, a.Date, a.StartTime, a.EndTime, a.Status,
		a.Notes, a.Location, a.CancellationReason, a.CancelledBy,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound("appointment %s not found", a.ID)
	}
	if isExclusionViolation(err) {
		return ErrAppointmentConflict("provider is already booked at %s on %s", a.Range(), a.Date)
	}
	return err
}

func appointmentConds(f AppointmentFilter) *condSet {
	c := &condSet{}
	if f.ProviderID != nil {
		c.add("provider_id = $%d", *f.ProviderID)
	}
	if f.ClientID != nil {
		c.add("client_id = $%d", *f.ClientID)
	}
	if f.ParticipantID != nil {
		c.add("(provider_id = $%[1]d OR client_id = $%[1]d)", *f.ParticipantID)
	}
	if f.Status != nil {
		c.add("status = $%d", *f.Status)
	}
	if f.From != nil {
		c.add("date >= $%d", *f.From)
	}
	if f.To != nil {
		c.add("date <= $%d", *f.To)
	}
	return c
}

func (r *postgresAppointmentRepo) List(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	q := runner(ctx, r.pool)
	c := appointmentConds(f)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+c.where(), c.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	c.args = append(c.args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM appointment%s ORDER BY date ASC, start_min ASC LIMIT $%d OFFSET $%d`,
		appointmentCols, c.where(), len(c.args)-1, len(c.args)), c.args...)
	if err != nil {
		return nil, 0, err
	}
	appts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Appointment, error) {
		return scanAppointment(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return appts, total, nil
}

func (r *postgresAppointmentRepo) ListOverlapping(ctx context.Context, providerID uuid.UUID, date Date, tr TimeRange, exclude *uuid.UUID) ([]*Appointment, error) {
	query := `SELECT ` + appointmentCols + ` FROM appointment
		WHERE provider_id = $1 AND date = $2 AND status <> 'cancelled'
		AND start_min < $3 AND end_min > $4`
	args := []any{providerID, date, tr.End, tr.Start}
	if exclude != nil {
		query += ` AND id <> $5`
		args = append(args, *exclude)
	}
	query += ` ORDER BY start_min ASC`

	rows, err := runner(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Appointment, error) {
		return scanAppointment(row)
	})
}
