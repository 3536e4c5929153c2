// Package migrations embeds the conclave SQLite schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
