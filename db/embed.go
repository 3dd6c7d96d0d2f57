package db

import "embed"

// MigrationsFS holds the schema migrations, applied by `telepix migrate`.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
