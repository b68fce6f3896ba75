// Package migrations embeds the SQL schema so the binary can bootstrap a fresh database.
package migrations

import "embed"

// Dir is the directory inside FS that holds the SQLite migrations.
const Dir = "sqlite"

//go:embed sqlite/*.sql
var FS embed.FS
