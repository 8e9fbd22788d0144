// Package history keeps a local audit trail of the fleet in SQLite.
//
// Two tables are maintained by the embedded migrations: device_status_history
// holds one row per status transition seen by the fleet server, and
// command_log holds one row per command following it from issued to
// responded, failed or expired.
//
// A Recorder attaches a Repository to a fleet.Server's listeners and runs the
// retention loop:
//
//	repo := history.NewSQLiteRepository(db.DB)
//	rec := history.NewRecorder(repo)
//	rec.SetLogger(log.With("component", "history"))
//	rec.Attach(server)
//	go rec.RunRetention(ctx, cfg.GetHistoryRetention())
package history
