package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// appliedVersionsTable records which migration files already ran. Versions
// come from the numeric filename prefix (001_initial_schema.sql -> 1).
const appliedVersionsTable = `CREATE TABLE IF NOT EXISTS fluxion_migrations (
	version INTEGER PRIMARY KEY,
	filename TEXT NOT NULL,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

type migrationFile struct {
	version  int
	filename string
	script   string
}

// runMigrations applies every embedded migration newer than the recorded
// version, each inside its own transaction.
func runMigrations(ctx context.Context, db *sql.DB) error {
	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, appliedVersionsTable); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM fluxion_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	for _, mf := range files {
		if mf.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, mf); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, mf migrationFile) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", mf.filename, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(mf.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", mf.filename, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fluxion_migrations (version, filename) VALUES (?, ?)`,
		mf.version, mf.filename); err != nil {
		return fmt.Errorf("record %s: %w", mf.filename, err)
	}
	return tx.Commit()
}

func loadMigrationFiles() ([]migrationFile, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	files := make([]migrationFile, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		prefix, _, found := strings.Cut(name, "_")
		if !found {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		files = append(files, migrationFile{version: version, filename: name, script: string(raw)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// sqlStatements splits a migration script into executable statements. Line
// comments are dropped first so a semicolon inside one cannot cut a
// statement short.
func sqlStatements(script string) []string {
	var sb strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	var stmts []string
	for _, raw := range strings.Split(sb.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
