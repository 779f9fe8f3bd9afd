package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookline/bookline/internal/platform/db"
)

// dbtx is the slice of pgxpool.Pool and pgx.Tx the directory repositories
// use, so reads issued inside a booking transaction see its snapshot.
type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// runner returns the transaction carried by ctx when one is open, the pool
// otherwise.
func runner(ctx context.Context, pool *pgxpool.Pool) dbtx {
	if tx := db.ActiveTx(ctx); tx != nil {
		return tx
	}
	return pool
}

// isUniqueViolation reports a Postgres unique constraint violation. The only
// unique keys here are the primary keys, so a create hitting one means the
// caller-supplied id is already taken.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

const providerCols = `id, name, email, title, active, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var prov Provider
	err := row.Scan(&prov.ID, &prov.Name, &prov.Email, &prov.Title, &prov.Active, &prov.CreatedAt, &prov.UpdatedAt)
	return &prov, err
}

type postgresProviderRepo struct{ pool *pgxpool.Pool }

// NewPostgresProviderRepo returns the provider directory backed by Postgres.
func NewPostgresProviderRepo(pool *pgxpool.Pool) ProviderRepository {
	return &postgresProviderRepo{pool: pool}
}

func (r *postgresProviderRepo) Create(ctx context.Context, prov *Provider) error {
	if prov.ID == uuid.Nil {
		prov.ID = uuid.New()
	}
	err := runner(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO provider (id, name, email, title, active) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		prov.ID, prov.Name, prov.Email, prov.Title, prov.Active,
	).Scan(&prov.CreatedAt, &prov.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *postgresProviderRepo) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := runner(ctx, r.pool).QueryRow(ctx, `SELECT `+providerCols+` FROM provider WHERE id = $1`, id)
	prov, err := scanProvider(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return prov, nil
}

func (r *postgresProviderRepo) Update(ctx context.Context, prov *Provider) error {
	err := runner(ctx, r.pool).QueryRow(ctx, `
		UPDATE provider SET name=$2, email=$3, title=$4, active=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		prov.ID, prov.Name, prov.Email, prov.Title, prov.Active,
	).Scan(&prov.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *postgresProviderRepo) List(ctx context.Context, f ProviderFilter, limit, offset int) ([]*Provider, int, error) {
	where, args := "", []any{}
	if f.Active != nil {
		where = " WHERE active = $1"
		args = append(args, *f.Active)
	}

	run := runner(ctx, r.pool)
	var total int
	if err := run.QueryRow(ctx, "SELECT COUNT(*) FROM provider"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %svc FROM provider%svc ORDER BY name ASC LIMIT $%d OFFSET $%d",
		providerCols, where, len(args)+1, len(args)+2)
	rows, err := run.Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Provider, error) {
		return scanProvider(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

const serviceCols = `id, name, description, duration_minutes, active, created_at, updated_at`

func scanService(row pgx.Row) (*Service, error) {
	var svc Service
	err := row.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.DurationMinutes, &svc.Active, &svc.CreatedAt, &svc.UpdatedAt)
	return &svc, err
}

type postgresServiceRepo struct{ pool *pgxpool.Pool }

// NewPostgresServiceRepo returns the service directory backed by Postgres.
func NewPostgresServiceRepo(pool *pgxpool.Pool) ServiceRepository {
	return &postgresServiceRepo{pool: pool}
}

func (r *postgresServiceRepo) Create(ctx context.Context, svc *Service) error {
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	err := runner(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO service (id, name, description, duration_minutes, active) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		svc.ID, svc.Name, svc.Description, svc.DurationMinutes, svc.Active,
	).Scan(&svc.CreatedAt, &svc.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *postgresServiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	row := runner(ctx, r.pool).QueryRow(ctx, `SELECT `+serviceCols+` FROM service WHERE id = $1`, id)
	svc, err := scanService(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (r *postgresServiceRepo) Update(ctx context.Context, svc *Service) error {
	err := runner(ctx, r.pool).QueryRow(ctx, `
		UPDATE service SET name=$2, description=$3, duration_minutes=$4, active=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		svc.ID, svc.Name, svc.Description, svc.DurationMinutes, svc.Active,
	).Scan(&svc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *postgresServiceRepo) List(ctx context.Context, f ServiceFilter, limit, offset int) ([]*Service, int, error) {
	where, args := "", []any{}
	if f.Active != nil {
		where = " WHERE active = $1"
		args = append(args, *f.Active)
	}

	run := runner(ctx, r.pool)
	var total int
	if err := run.QueryRow(ctx, "SELECT COUNT(*) FROM service"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %svc FROM service%svc ORDER BY name ASC LIMIT $%d OFFSET $%d",
		serviceCols, where, len(args)+1, len(args)+2)
	rows, err := run.Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Service, error) {
		return scanService(row)
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
