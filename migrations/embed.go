// Package migrations embeds the goose SQL migrations
package migrations

import "embed"

// Postgres holds the circulation store schema
//
//go:embed postgres/*.sql
var Postgres embed.FS

// ClickHouse holds the circulation journal schema
//
//go:embed clickhouse/*.sql
var ClickHouse embed.FS
