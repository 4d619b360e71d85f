// Package migrations embeds the SQL migration files into the binary so the
// bridge can create its schema without the files on disk.
package migrations

import "embed"

// FS holds every *.up.sql / *.down.sql file at its root.
//
//go:embed *.sql
var FS embed.FS
