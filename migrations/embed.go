// Package migrations embeds the assignment mirror's SQL migration files
// into the binary, so no SQL files need to be present on the filesystem.
package migrations

import (
	"embed"

	"github.com/nerrad567/plugsync-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
