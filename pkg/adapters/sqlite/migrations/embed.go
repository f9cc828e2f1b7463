package migrations

import "embed"

// FS contains embedded SQLite migrations for journey storage.
//
//go:embed *.sql
var FS embed.FS
