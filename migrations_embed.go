package dazzle

import (
	"embed"
	"io/fs"
)

// embeddedMigrations contains the bundled database migration files,
// organized by database type:
//   - schema/db/migrations/sqlite/*.sql
//   - schema/db/migrations/postgresql/*.sql
//   - schema/db/migrations/mysql/*.sql
//
//go:embed schema/db/migrations
var embeddedMigrations embed.FS

// EmbeddedMigrationsFS returns a filesystem rooted at schema/db/migrations
// for use with the migrations package. It contains one subdirectory per
// database type (sqlite/, postgresql/, mysql/).
func EmbeddedMigrationsFS() fs.FS {
	subFS, err := fs.Sub(embeddedMigrations, "schema/db/migrations")
	if err != nil {
		panic("failed to create sub filesystem for migrations: " + err.Error())
	}
	return subFS
}
