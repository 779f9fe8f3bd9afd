package db

import (
	"os"
	"path/filepath"
	"testing"
)

// writeSchemaDir fills a temp dir with the given files and returns a Schema
// reading from it. A nil pool is fine for the load-only paths under test.
func writeSchemaDir(t *testing.T, files map[string]string) *Schema {
	t.Helper()
	dir := t.TempDir()
	for name, sql := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	return NewSchema(nil, dir)
}

func TestSchemaFiles_OrderedByVersion(t *testing.T) {
	s := writeSchemaDir(t, map[string]string{
		"010_reporting.sql":  "CREATE VIEW booking_volume AS SELECT 1;",
		"002_scheduling.sql": "CREATE TABLE appointment (id UUID PRIMARY KEY);",
		"001_catalog.sql":    "CREATE TABLE provider (id UUID PRIMARY KEY);",
		"005_indexes.sql":    "CREATE INDEX idx_appt_date ON appointment (date);",
	})

	files, err := s.files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}

	wantVersions := []int{1, 2, 5, 10}
	if len(files) != len(wantVersions) {
		t.Fatalf("len = %d, want %d", len(files), len(wantVersions))
	}
	for i, want := range wantVersions {
		if files[i].version != want {
			t.Errorf("files[%d].version = %d, want %d", i, files[i].version, want)
		}
	}
	if files[0].name != "001_catalog.sql" {
		t.Errorf("first migration = %s, want 001_catalog.sql", files[0].name)
	}
	if files[0].sql != "CREATE TABLE provider (id UUID PRIMARY KEY);" {
		t.Errorf("sql not carried through: %q", files[0].sql)
	}
}

func TestSchemaFiles_SkipsNonMigrationFiles(t *testing.T) {
	s := writeSchemaDir(t, map[string]string{
		"001_base.sql":   "SELECT 1;",
		"readme.sql":     "-- no version prefix",
		"notes.txt":      "not sql at all",
		"beta_fix.sql":   "-- non-numeric prefix",
		"002_second.sql": "SELECT 2;",
	})

	files, err := s.files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len = %d, want 2", len(files))
	}
	if files[0].version != 1 || files[1].version != 2 {
		t.Fatalf("versions = %d,%d, want 1,2", files[0].version, files[1].version)
	}
}

func TestSchemaFiles_EmptyDir(t *testing.T) {
	s := NewSchema(nil, t.TempDir())
	files, err := s.files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("len = %d, want 0", len(files))
	}
}

func TestSchemaFiles_MissingDir(t *testing.T) {
	s := NewSchema(nil, filepath.Join(t.TempDir(), "nope"))
	if _, err := s.files(); err == nil {
		t.Fatal("want an error for a missing directory")
	}
}

func TestParseVersion(t *testing.T) {
	cases := []struct {
		name    string
		version int
		ok      bool
	}{
		{"001_catalog.sql", 1, true},
		{"042_availability_rules.sql", 42, true},
		{"readme.sql", 0, false},
		{"001.sql", 0, false},
		{"abc_x.sql", 0, false},
		{"010_seed.txt", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := parseVersion(tc.name)
			if v != tc.version || ok != tc.ok {
				t.Fatalf("parseVersion(%q) = (%d, %v), want (%d, %v)",
					tc.name, v, ok, tc.version, tc.ok)
			}
		})
	}
}
