// Package main replicates SQLite row changes into MySQL and Oracle targets:
// an audit log captures every change at the source, the engine tails it and
// applies the events to each target with its own resumable cursor.
package main

import (
	// List of database drivers
	_ "github.com/acronis/sqlite-cdc/db/sql" // sqlite, mysql and oracle drivers

	// Engine
	"github.com/acronis/sqlite-cdc/engine"
)

func main() {
	engine.Main()
}
