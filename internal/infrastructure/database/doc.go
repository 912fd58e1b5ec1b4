// Package database provides SQLite database connectivity for the Meross bridge.
//
// The bridge keeps its durable state here: the device registry (UUIDs,
// keys, addresses, bind-time metadata) and the protocol event log. The
// database opens in WAL mode with foreign keys on, a single-writer
// connection pool, and 0600 file permissions, since the devices table
// carries per-device signing keys.
//
// # Migrations
//
// Schema changes ship as embedded .up.sql/.down.sql pairs (see the
// top-level migrations package), applied in filename order inside
// per-migration transactions and recorded in schema_migrations.
// Migrations are additive: new columns are nullable or carry defaults,
// and nothing is dropped or renamed.
//
// # Usage
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(); err != nil {
//	    log.Fatal(err)
//	}
//
// All queries use parameterised statements.
package database
