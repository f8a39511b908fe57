// Package postgres embeds the PostgreSQL schema migrations.
package postgres

import "embed"

// Files holds the numbered PostgreSQL up migrations.
//
//go:embed *.up.sql
var Files embed.FS
