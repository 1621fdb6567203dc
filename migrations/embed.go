// Package migrations embeds the tenant schema SQL applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
