// Package migrations embeds the goose SQL migration files so they ship
// inside the compiled binary instead of needing to be deployed alongside
// it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
