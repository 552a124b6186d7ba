package db

import (
	"database/sql"
	"embed"

	"go.uber.org/zap"

	"github.com/cronicorn/cronicorn/errors"
)

//go:embed sqlite/schema.sql
var schemaFS embed.FS

// EnsureSchema applies the embedded schema. Every statement is idempotent
// (CREATE ... IF NOT EXISTS), so this is safe to run on every startup.
// If logger is provided, logs progress; otherwise operates silently.
func EnsureSchema(db *sql.DB, logger *zap.SugaredLogger) error {
	schema, err := schemaFS.ReadFile("sqlite/schema.sql")
	if err != nil {
		return errors.Wrap(err, "read embedded schema")
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin schema tx")
	}

	if _, err := tx.Exec(string(schema)); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "apply schema")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit schema")
	}

	if logger != nil {
		logger.Infow("Schema ensured")
	}

	return nil
}
