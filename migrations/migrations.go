// Package migrations embeds the SQL schema so binaries and tests can apply
// it without reading files relative to the working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
