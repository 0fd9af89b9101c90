// Package migrations embeds the broker schema migrations so the server binary
// can apply them without shipping loose SQL files.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
