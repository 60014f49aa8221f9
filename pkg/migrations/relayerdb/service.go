// Package relayerdb registers the schema migrations for the relayer
// database: swaps, processed_events, chain_cursors and event_errors.
package relayerdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the ordered collection the migrate CLI and tests run.
var Migrations = migrate.NewMigrations()
