package migrations

import "embed"

// FS contains embedded SQLite migrations for runstate storage.
//
//go:embed *.sql
var FS embed.FS
