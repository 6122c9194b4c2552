package commands

import (
	"database/sql"

	"github.com/stratusanalytics/relay/am"
	"github.com/stratusanalytics/relay/db"
	"github.com/stratusanalytics/relay/errors"
	"github.com/stratusanalytics/relay/logger"
)

// openDatabase opens and migrates the database using the specified path.
// If dbPath is empty, it is resolved from the am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "relay.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
