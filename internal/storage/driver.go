package storage

import (
	"fmt"
	"strings"
)

// Driver abstracts database-specific SQL operations so one store
// implementation serves every supported dialect.
type Driver interface {
	// DriverName returns the dialect name ("sqlite", "postgres", "mysql").
	DriverName() string

	// CurrentTimeExpr returns the SQL expression for the current time.
	CurrentTimeExpr() string

	// DatetimeComparable wraps a datetime column for comparison.
	// SQLite stores datetimes as TEXT and needs the datetime() wrapper.
	DatetimeComparable(column string) string

	// SelectForUpdateSkipLocked returns the row-locking clause, or "" when
	// the dialect relies on coarser locking.
	SelectForUpdateSkipLocked() string

	// Placeholder returns the placeholder for the nth parameter (1-based).
	Placeholder(n int) string

	// InsertIgnore rewrites an INSERT statement head and returns the
	// conflict suffix so duplicate-key inserts become no-ops.
	// Postgres/SQLite: "INSERT", "ON CONFLICT (...) DO NOTHING".
	// MySQL: "INSERT IGNORE", "".
	InsertIgnore(conflictColumns ...string) (head, suffix string)

	// JSONExtract returns the SQL expression extracting a dotted path
	// from a JSON column.
	JSONExtract(column, path string) string

	// JSONCompare returns a comparison expression for a JSON-extracted
	// value. Placeholders use ? and are renumbered by the store.
	JSONCompare(extractExpr string, value any) (expr string, args []any)
}

// SQLiteDriver implements Driver for SQLite.
type SQLiteDriver struct{}

func (d *SQLiteDriver) DriverName() string { return "sqlite" }

func (d *SQLiteDriver) CurrentTimeExpr() string { return "datetime('now')" }

func (d *SQLiteDriver) DatetimeComparable(column string) string {
	return fmt.Sprintf("datetime(%s)", column)
}

func (d *SQLiteDriver) SelectForUpdateSkipLocked() string {
	// SQLite serializes writers at the database level.
	return ""
}

func (d *SQLiteDriver) Placeholder(n int) string { return "?" }

func (d *SQLiteDriver) InsertIgnore(conflictColumns ...string) (string, string) {
	return "INSERT", onConflictDoNothing(conflictColumns)
}

// PostgresDriver implements Driver for PostgreSQL.
type PostgresDriver struct{}

func (d *PostgresDriver) DriverName() string { return "postgres" }

func (d *PostgresDriver) CurrentTimeExpr() string { return "NOW()" }

func (d *PostgresDriver) DatetimeComparable(column string) string { return column }

func (d *PostgresDriver) SelectForUpdateSkipLocked() string { return "FOR UPDATE SKIP LOCKED" }

func (d *PostgresDriver) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d *PostgresDriver) InsertIgnore(conflictColumns ...string) (string, string) {
	return "INSERT", onConflictDoNothing(conflictColumns)
}

// MySQLDriver implements Driver for MySQL 8.0+.
type MySQLDriver struct{}

func (d *MySQLDriver) DriverName() string { return "mysql" }

func (d *MySQLDriver) CurrentTimeExpr() string { return "NOW()" }

func (d *MySQLDriver) DatetimeComparable(column string) string { return column }

func (d *MySQLDriver) SelectForUpdateSkipLocked() string { return "FOR UPDATE SKIP LOCKED" }

func (d *MySQLDriver) Placeholder(n int) string { return "?" }

func (d *MySQLDriver) InsertIgnore(conflictColumns ...string) (string, string) {
	// MySQL has no ON CONFLICT clause.
	return "INSERT IGNORE", ""
}

func onConflictDoNothing(columns []string) string {
	if len(columns) == 0 {
		return "ON CONFLICT DO NOTHING"
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(columns, ", "))
}

// NewDriver selects a dialect driver from the connection URL.
func NewDriver(dbURL string) Driver {
	switch {
	case strings.HasPrefix(dbURL, "postgres"):
		return &PostgresDriver{}
	case strings.HasPrefix(dbURL, "mysql"):
		return &MySQLDriver{}
	default:
		return &SQLiteDriver{}
	}
}
