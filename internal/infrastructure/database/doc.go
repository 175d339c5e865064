// Package database provides SQLite connectivity for Hive Core.
//
// It opens the store with WAL mode, a busy timeout and foreign keys on, and
// applies versioned up/down SQL migrations supplied through MigrationsFS.
// All queries elsewhere in the module use parameterised statements.
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/hive.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
