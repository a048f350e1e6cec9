// Package migrations embeds the engine's SQL schema migrations so binaries
// can apply them with goose without shipping loose files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
