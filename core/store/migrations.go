package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"parkwatch/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	dialect := goose.DialectSQLite3
	dir := "migrations/sqlite"
	if db.Driver() == DriverPostgres {
		dialect = goose.DialectPostgres
		dir = "migrations/postgres"
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db.DB, sub)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if logger != nil && len(results) > 0 {
		logger.Printf("applied %d %s migrations", len(results), db.Driver())
	}
	logMigrationAudit(ctx, db, len(results))
	return nil
}

func logMigrationAudit(ctx context.Context, db *DB, applied int) {
	if applied == 0 {
		return
	}
	_, _ = db.ExecContext(ctx, `INSERT INTO audit_log(username, action, details, created_at) VALUES(?,?,?,?)`,
		"system", "db.migrate", fmt.Sprintf("applied=%d", applied), utils.NowUTC())
}
