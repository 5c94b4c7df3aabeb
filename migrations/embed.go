// Package migrations holds the schema files applied by "apptflow-server migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
