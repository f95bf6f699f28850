// Package migrations embeds the SQL migration files for the identity database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
