package db

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one numbered schema file, loaded from disk.
type migration struct {
	version int
	name    string
	sql     string
}

// Status reports one known migration. RanAt is nil while it is pending.
type Status struct {
	Version int
	Name    string
	RanAt   *time.Time
}

// Schema applies the numbered .sql files in a directory to the database in
// version order, tracking what has run in a schema_migrations table.
type Schema struct {
	pool *pgxpool.Pool
	dir  string
}

func NewSchema(pool *pgxpool.Pool, dir string) *Schema {
	return &Schema{pool: pool, dir: dir}
}

// parseVersion extracts the numeric prefix from a migration filename such
// as 003_appointments.sql. ok is false for files that are not migrations.
func parseVersion(name string) (int, bool) {
	base, found := strings.CutSuffix(name, ".sql")
	if !found {
		return 0, false
	}
	prefix, _, found := strings.Cut(base, "_")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, false
	}
	return v, true
}

// files reads the directory and returns its migrations sorted by version.
// Files without a numeric prefix or .sql suffix are ignored.
func (s *Schema) files() ([]migration, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read migration dir %s: %w", s.dir, err)
	}

	var files []migration
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		version, ok := parseVersion(ent.Name())
		if !ok {
			continue
		}

		sql, err := os.ReadFile(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ent.Name(), err)
		}
		files = append(files, migration{version: version, name: ent.Name(), sql: string(sql)})
	}

	slices.SortFunc(files, func(a, b migration) int {
		return cmp.Compare(a.version, b.version)
	})
	return files, nil
}

// ensureLedger creates the tracking table on first use.
func (s *Schema) ensureLedger(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    int PRIMARY KEY,
	name       text NOT NULL,
	applied_at timestamptz NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// ranAt returns when each recorded migration ran, keyed by version.
func (s *Schema) ranAt(ctx context.Context) (map[int]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	type record struct {
		Version int
		RanAt   time.Time
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[record])
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}

	ran := make(map[int]time.Time, len(records))
	for _, rec := range records {
		ran[rec.Version] = rec.RanAt
	}
	return ran, nil
}

// Up applies every pending migration in version order, each in its own
// transaction, and returns how many ran.
func (s *Schema) Up(ctx context.Context) (int, error) {
	return s.UpTo(ctx, 0)
}

// UpTo is Up bounded to versions at or below target; 0 means no bound.
func (s *Schema) UpTo(ctx context.Context, target int) (int, error) {
	if err := s.ensureLedger(ctx); err != nil {
		return 0, err
	}
	files, err := s.files()
	if err != nil {
		return 0, err
	}
	ran, err := s.ranAt(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, f := range files {
		if target > 0 && f.version > target {
			break
		}
		if _, done := ran[f.version]; done {
			continue
		}
		if err := s.run(ctx, f); err != nil {
			return count, fmt.Errorf("migration %s: %w", f.name, err)
		}
		count++
	}
	return count, nil
}

// run executes one migration and records it inside the same transaction, so
// a half-applied migration never shows up as done.
func (s *Schema) run(ctx context.Context, f migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, f.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
		f.version, f.name,
	); err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	return tx.Commit(ctx)
}

// Status lists every known migration with its applied state, in version
// order.
func (s *Schema) Status(ctx context.Context) ([]Status, error) {
	if err := s.ensureLedger(ctx); err != nil {
		return nil, err
	}
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	ran, err := s.ranAt(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(files))
	for _, f := range files {
		st := Status{Version: f.version, Name: f.name}
		if at, ok := ran[f.version]; ok {
			st.RanAt = &at
		}
		out = append(out, st)
	}
	return out, nil
}
