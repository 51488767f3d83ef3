// Package migrations embeds the schema migration files so the runner works
// from a single binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
