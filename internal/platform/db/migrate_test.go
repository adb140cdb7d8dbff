package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_core.sql":     "CREATE TABLE encounter (id UUID PRIMARY KEY);",
		"002_webhooks.sql": "CREATE TABLE webhook_endpoint (id UUID PRIMARY KEY);",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_core.sql" {
		t.Errorf("migration[0] = %d %s", migrations[0].Version, migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE encounter (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("migration[1] version = %d", migrations[1].Version)
	}
}

func TestLoadMigrationsSortOrder(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"010_late.sql":   "SELECT 10;",
		"002_second.sql": "SELECT 2;",
		"001_first.sql":  "SELECT 1;",
		"005_middle.sql": "SELECT 5;",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrationsSkipsInvalidNames(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_valid.sql":   "SELECT 1;",
		"readme.sql":      "-- no version prefix",
		"notes.txt":       "not a sql file",
		"abc_invalid.sql": "-- non-numeric prefix",
	})

	migrator := NewMigrator(nil, dir)
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 1 {
		t.Fatalf("expected 1 valid migration, got %d", len(migrations))
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected version 1, got %d", migrations[0].Version)
	}
}

// The shipped schema must match the Go model's column types. The mapping
// blob is a base64 string end to end, so the column is TEXT, and the
// crosswalk table carries a uniqueness guarantee on the (source, target)
// pair.
func TestShippedSchemaColumnContracts(t *testing.T) {
	migrator := NewMigrator(nil, filepath.Join("..", "..", "..", "migrations"))
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no shipped migrations found")
	}

	var core string
	for _, m := range migrations {
		if m.Version == 1 {
			core = m.SQL
		}
	}
	if core == "" {
		t.Fatal("core migration missing")
	}

	if !strings.Contains(core, "encrypted_mapping TEXT") {
		t.Error("encrypted_mapping column is not TEXT")
	}
	if strings.Contains(core, "encrypted_mapping BYTEA") {
		t.Error("encrypted_mapping column declared BYTEA; the stored value is a base64 string")
	}
	if !strings.Contains(core, "CREATE UNIQUE INDEX uq_crosswalk_pair ON crosswalk_entry (source_code, target_code)") {
		t.Error("missing unique index on the crosswalk (source_code, target_code) pair")
	}
}

func TestLoadMigrationsMissingDir(t *testing.T) {
	migrator := NewMigrator(nil, filepath.Join(t.TempDir(), "nope"))
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
