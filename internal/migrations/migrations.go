// Package migrations applies dbmate-compatible migration files at startup.
//
// It stays interoperable with dbmate:
//   - Uses the same `schema_migrations` tracking table
//   - Reads the same `-- migrate:up` / `-- migrate:down` file format
//   - Supports SQLite, PostgreSQL, and MySQL
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DetectDBType detects the database type from a connection URL.
// Returns one of "sqlite", "postgresql", "mysql".
func DetectDBType(url string) (string, error) {
	url = strings.ToLower(url)

	if strings.Contains(url, "sqlite") || strings.HasPrefix(url, "file:") ||
		strings.HasSuffix(url, ".db") || url == ":memory:" {
		return "sqlite", nil
	}
	if strings.HasPrefix(url, "postgres") {
		return "postgresql", nil
	}
	if strings.HasPrefix(url, "mysql") {
		return "mysql", nil
	}

	return "", fmt.Errorf("cannot detect database type from URL: %s", url)
}

// Apply applies pending migration files for the given database type and
// returns the versions it applied. The filesystem is expected to contain a
// subdirectory per database type (sqlite/, postgresql/, mysql/). Safe for
// concurrent execution by multiple workers.
func Apply(ctx context.Context, db *sql.DB, dbType string, migrationsFS fs.FS) ([]string, error) {
	if migrationsFS == nil {
		slog.Warn("no migrations filesystem provided, skipping automatic migration")
		return nil, nil
	}

	entries, err := fs.ReadDir(migrationsFS, dbType)
	if err != nil {
		slog.Warn("migrations directory not found, skipping automatic migration",
			"db_type", dbType, "error", err)
		return nil, nil
	}

	if err := ensureTrackingTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	var newlyApplied []string
	for _, filename := range files {
		version := versionFromFilename(filename)
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, filepath.Join(dbType, filename))
		if err != nil {
			return newlyApplied, fmt.Errorf("failed to read migration file %s: %w", filename, err)
		}

		upSQL := parseUpSQL(string(content))
		if upSQL == "" {
			slog.Warn("no '-- migrate:up' section found", "filename", filename)
			continue
		}

		slog.Info("applying migration", "filename", filename)
		if err := execStatements(ctx, db, upSQL); err != nil {
			return newlyApplied, fmt.Errorf("failed to apply migration %s: %w", version, err)
		}

		recorded, err := recordVersion(ctx, db, dbType, version)
		if err != nil {
			return newlyApplied, fmt.Errorf("failed to record migration %s: %w", version, err)
		}
		if recorded {
			newlyApplied = append(newlyApplied, version)
		} else {
			slog.Debug("migration was applied by another worker", "version", version)
		}
	}

	if len(newlyApplied) > 0 {
		slog.Info("applied migrations", "count", len(newlyApplied))
	}
	return newlyApplied, nil
}

// ensureTrackingTable creates the dbmate-compatible tracking table. Safe
// under concurrent creation by multiple workers.
func ensureTrackingTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY
		)
	`)
	if err != nil {
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "already exists") ||
			strings.Contains(errMsg, "duplicate") ||
			strings.Contains(errMsg, "42p07") { // PostgreSQL: relation already exists
			return nil
		}
		return err
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	applied := make(map[string]bool)

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		// Table might not exist yet
		return applied, nil
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// recordVersion marks a migration applied. Returns false when another
// worker recorded it first.
func recordVersion(ctx context.Context, db *sql.DB, dbType, version string) (bool, error) {
	query := "INSERT INTO schema_migrations (version) VALUES (?)"
	if dbType == "postgresql" {
		query = "INSERT INTO schema_migrations (version) VALUES ($1)"
	}
	if _, err := db.ExecContext(ctx, query, version); err != nil {
		errMsg := strings.ToLower(err.Error())
		if strings.Contains(errMsg, "unique") ||
			strings.Contains(errMsg, "duplicate") ||
			strings.Contains(errMsg, "constraint") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// versionFromFilename extracts the dbmate version prefix:
// "20260801000000_initial_schema.sql" -> "20260801000000".
func versionFromFilename(filename string) string {
	re := regexp.MustCompile(`^(\d+)_`)
	if match := re.FindStringSubmatch(filename); len(match) > 1 {
		return match[1]
	}
	return strings.TrimSuffix(filename, ".sql")
}

// parseUpSQL extracts the "-- migrate:up" section of a dbmate file.
func parseUpSQL(content string) string {
	re := regexp.MustCompile(`(?s)-- migrate:up\s*(.*?)(?:-- migrate:down|$)`)
	if match := re.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// execStatements runs each semicolon-separated statement, tolerating
// "already exists" so reruns stay idempotent.
func execStatements(ctx context.Context, db *sql.DB, sqlContent string) error {
	for _, stmt := range strings.Split(sqlContent, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		actualSQL := strings.TrimSpace(strings.Join(lines, "\n"))
		if actualSQL == "" {
			continue
		}

		if _, err := db.ExecContext(ctx, actualSQL); err != nil {
			errMsg := strings.ToLower(err.Error())
			if strings.Contains(errMsg, "already exists") ||
				strings.Contains(errMsg, "duplicate") {
				slog.Debug("object already exists, skipping", "error", err)
				continue
			}
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}
