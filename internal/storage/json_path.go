package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// validJSONPathPattern validates JSON paths to prevent SQL injection.
// Allows: alphanumeric characters, underscores, and dots for nested paths.
// Does not allow: starting/ending with dot, consecutive dots.
// Examples: "status", "order.id", "customer.address.city"
var validJSONPathPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// ValidateJSONPath validates a JSON path for safe use in SQL queries.
// Returns an error if the path contains potentially dangerous characters.
func ValidateJSONPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty JSON path")
	}
	if !validJSONPathPattern.MatchString(path) {
		return fmt.Errorf("invalid JSON path: %q (only alphanumeric, underscore, and dot allowed)", path)
	}
	return nil
}

// buildInputFilters builds WHERE clause conditions matching dotted paths
// inside the runs' JSON inputs column. Keys are sorted so generated
// queries are deterministic.
func buildInputFilters(driver Driver, column string, filters map[string]any) (conditions []string, args []any, err error) {
	if len(filters) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions = make([]string, 0, len(keys))
	for _, path := range keys {
		if err := ValidateJSONPath(path); err != nil {
			return nil, nil, err
		}
		expr, compArgs := driver.JSONCompare(driver.JSONExtract(column, path), filters[path])
		conditions = append(conditions, expr)
		args = append(args, compArgs...)
	}
	return conditions, args, nil
}

// JSONExtract for SQLiteDriver uses json_extract with $ notation; a nested
// path like "order.customer.id" becomes "$.order.customer.id".
func (d *SQLiteDriver) JSONExtract(column, path string) string {
	return fmt.Sprintf("json_extract(%s, '$.%s')", column, path)
}

// JSONCompare for SQLiteDriver compares a JSON-extracted value.
func (d *SQLiteDriver) JSONCompare(extractExpr string, value any) (string, []any) {
	switch v := value.(type) {
	case nil:
		return fmt.Sprintf("(%s IS NULL OR %s = 'null')", extractExpr, extractExpr), nil
	case bool:
		if v {
			return fmt.Sprintf("(%s = 1 OR %s = 'true')", extractExpr, extractExpr), nil
		}
		return fmt.Sprintf("(%s = 0 OR %s = 'false')", extractExpr, extractExpr), nil
	case float64:
		return fmt.Sprintf("CAST(%s AS REAL) = ?", extractExpr), []any{v}
	case int:
		return fmt.Sprintf("CAST(%s AS REAL) = ?", extractExpr), []any{float64(v)}
	case int64:
		return fmt.Sprintf("CAST(%s AS REAL) = ?", extractExpr), []any{float64(v)}
	default:
		return fmt.Sprintf("%s = ?", extractExpr), []any{fmt.Sprintf("%v", v)}
	}
}

// JSONExtract for PostgresDriver uses the #>> operator with an array path;
// "order.customer.id" becomes (inputs::jsonb #>> '{order,customer,id}').
func (d *PostgresDriver) JSONExtract(column, path string) string {
	parts := strings.Split(path, ".")
	pathArray := "{" + strings.Join(parts, ",") + "}"
	return fmt.Sprintf("(%s::jsonb #>> '%s')", column, pathArray)
}

// JSONCompare for PostgresDriver compares a JSON-extracted value.
func (d *PostgresDriver) JSONCompare(extractExpr string, value any) (string, []any) {
	switch v := value.(type) {
	case nil:
		return fmt.Sprintf("%s IS NULL", extractExpr), nil
	case bool:
		if v {
			return fmt.Sprintf("%s = 'true'", extractExpr), nil
		}
		return fmt.Sprintf("%s = 'false'", extractExpr), nil
	case float64:
		return fmt.Sprintf("CAST(%s AS NUMERIC) = ?", extractExpr), []any{v}
	case int:
		return fmt.Sprintf("CAST(%s AS NUMERIC) = ?", extractExpr), []any{v}
	case int64:
		return fmt.Sprintf("CAST(%s AS NUMERIC) = ?", extractExpr), []any{v}
	default:
		return fmt.Sprintf("%s = ?", extractExpr), []any{fmt.Sprintf("%v", v)}
	}
}

// JSONExtract for MySQLDriver uses JSON_UNQUOTE(JSON_EXTRACT(...)) with $
// notation.
func (d *MySQLDriver) JSONExtract(column, path string) string {
	return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s, '$.%s'))", column, path)
}

// JSONCompare for MySQLDriver compares a JSON-extracted value.
func (d *MySQLDriver) JSONCompare(extractExpr string, value any) (string, []any) {
	switch v := value.(type) {
	case nil:
		return fmt.Sprintf("(%s IS NULL OR %s = 'null')", extractExpr, extractExpr), nil
	case bool:
		if v {
			return fmt.Sprintf("(%s = 'true' OR %s = '1')", extractExpr, extractExpr), nil
		}
		return fmt.Sprintf("(%s = 'false' OR %s = '0')", extractExpr, extractExpr), nil
	case float64:
		return fmt.Sprintf("CAST(%s AS DECIMAL(20,6)) = ?", extractExpr), []any{v}
	case int:
		return fmt.Sprintf("CAST(%s AS DECIMAL(20,6)) = ?", extractExpr), []any{float64(v)}
	case int64:
		return fmt.Sprintf("CAST(%s AS DECIMAL(20,6)) = ?", extractExpr), []any{float64(v)}
	default:
		return fmt.Sprintf("%s = ?", extractExpr), []any{fmt.Sprintf("%v", v)}
	}
}
