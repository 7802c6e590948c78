// Package migrations embeds the vault.db schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
