// Package migrations embeds the SQL schema migrations for relay.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
