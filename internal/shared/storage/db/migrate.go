package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"certificate-backend/internal/shared/telemetry"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsDir = "migrations"

// Migration commands accepted by Migrate.
const (
	MigrateUp      = "up"
	MigrateDown    = "down"
	MigrateStatus  = "status"
	MigrateVersion = "version"
)

var gooseInit sync.Once

func initGoose() error {
	var err error
	gooseInit.Do(func() {
		goose.SetBaseFS(migrationFiles)
		err = goose.SetDialect("postgres")
	})
	return err
}

// RunMigrations brings the blob catalog schema up to date. A nil database
// means no catalog is configured and is a no-op.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	return Migrate(ctx, database, MigrateUp)
}

// Migrate runs one goose command against the embedded catalog migrations.
func Migrate(ctx context.Context, database *sql.DB, command string) error {
	if database == nil {
		return nil
	}
	if err := initGoose(); err != nil {
		return err
	}

	command = strings.ToLower(strings.TrimSpace(command))
	var err error
	switch command {
	case "", MigrateUp:
		err = goose.UpContext(ctx, database, migrationsDir)
	case MigrateDown:
		err = goose.DownContext(ctx, database, migrationsDir)
	case MigrateStatus:
		err = goose.StatusContext(ctx, database, migrationsDir)
	case MigrateVersion:
		var v int64
		v, err = goose.GetDBVersionContext(ctx, database)
		if err == nil {
			telemetry.Info("db.migrations.version", map[string]any{"version": v})
		}
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	telemetry.Info("db.migrations.done", map[string]any{"command": command})
	return nil
}
