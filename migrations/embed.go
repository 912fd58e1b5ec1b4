// Package migrations compiles the SQL migration files into the binary,
// so the bridge can bring its schema up to date without shipping loose
// .sql files alongside the executable.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // files sit at the root of the embedded FS
}
