package db

import (
	"strings"
)

// IsDatabaseClosed reports whether err comes from a *sql.DB that was closed,
// as happens to jobs still settling while the daemon shuts down. database/sql
// does not export the error, so the message is matched.
func IsDatabaseClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "sql: database is closed")
}
