// Package migrations embeds the ledger's bookkeeping schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
