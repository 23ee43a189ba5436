// Package migrations holds the Postgres schema, applied in file-name order
// by storage.RunMigrations at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
