// Package database opens the SQLite store used for fleetmon's audit history
// and applies its schema migrations.
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql
// with an optional matching .down.sql. The migrations package embeds them and
// registers them with RegisterMigrations at init time; each migration runs in
// its own transaction and is recorded in schema_migrations.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
