// Package database opens the bridge's SQLite file and manages its schema.
//
// The file holds the frame log and the table of module addresses seen on
// the bus (see nikobus.Recorder). WAL mode lets the HTTP API and the CLI
// read the log while the recorder writes.
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are files named YYYYMMDD_HHMMSS_name.up.sql with an optional
// matching .down.sql. Each is applied in its own transaction and recorded
// in schema_migrations. Rollback reverts the latest one and backs the
// "nikobusd db rollback" command.
//
// The file is created with mode 0600 and every query is parameterised.
package database
