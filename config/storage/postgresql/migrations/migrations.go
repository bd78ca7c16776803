package migrations

import "embed"

// MigrationsFS embeds the jobs schema migrations
//
//go:embed *.sql
var MigrationsFS embed.FS
