// Package migrations embeds the gateway's SQL schema so the migrator binary
// carries it without a checkout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
