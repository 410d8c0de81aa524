package main

// Apply or inspect the blob catalog schema:
//   go run ./cmd/migrate [up|down|status|version]

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"certificate-backend/internal/shared/config"
	"certificate-backend/internal/shared/storage/db"
	"certificate-backend/internal/shared/telemetry"
)

func main() {
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	dsn := flags.String("database-url", "", "Postgres URL, overrides DATABASE_URL")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fail("migrate.flags", err)
	}
	command := db.MigrateUp
	if flags.NArg() > 0 {
		command = flags.Arg(0)
	}

	cfg := config.Load()
	if *dsn != "" {
		cfg.DatabaseURL = *dsn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultMigrateOptions()))
	if err != nil {
		fail("migrate.connect_failed", err)
	}
	defer sqlDB.Close()

	if err := db.Migrate(ctx, sqlDB, command); err != nil {
		sqlDB.Close()
		fail("migrate.failed", err)
	}
	telemetry.Sync()
}

func fail(msg string, err error) {
	telemetry.Error(msg, map[string]any{"error": err})
	telemetry.Sync()
	os.Exit(1)
}
