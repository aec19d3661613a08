package db

import "embed"

// MigrationFS embeds the PostgreSQL schema migrations applied by cmd/migrate
// and, with AUTO_MIGRATE, by cmd/tracker at startup.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
