// Package migrations embeds the tenant schema migrations applied by
// database.Migrator and by the integration test suites.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
