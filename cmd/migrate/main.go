/*
main.go - Schema migrations

PURPOSE:
  Applies the embedded goose migrations of the sqlite or postgres store
  without starting the server. The server also migrates up on start, this
  command exists for status checks and rollbacks.

USAGE:
  migrate [-driver sqlite|postgres] [-dsn DSN] [command]

COMMANDS:
  up       Apply every pending migration (default)
  down     Roll back the most recent migration
  status   Print applied and pending migrations
  version  Print the current schema version
  reset    Roll back every migration

  -driver and -dsn default to STORE_DRIVER and SQLITE_PATH / DATABASE_URL.
*/
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})

	driver := flag.String("driver", cfg.Store.Driver, "store driver: sqlite or postgres")
	dsn := flag.String("dsn", "", "database path or URL (defaults from configuration)")
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	if err := run(context.Background(), log, *driver, *dsn, cfg.Store, command); err != nil {
		log.Fatal().Err(err).Str("command", command).Msg("migration failed")
	}
}

func run(ctx context.Context, log zerolog.Logger, driver, dsn string, cfg config.StoreConfig, command string) error {
	var (
		dialect    goose.Dialect
		sqlDriver  string
		migrations fs.FS
	)
	switch driver {
	case config.StoreSQLite:
		dialect, sqlDriver, migrations = goose.DialectSQLite3, "sqlite3", sqlite.Migrations()
		if dsn == "" {
			dsn = cfg.SQLitePath
		}
	case config.StorePostgres:
		dialect, sqlDriver, migrations = goose.DialectPostgres, "pgx", postgres.Migrations()
		if dsn == "" {
			dsn = cfg.DatabaseURL
		}
	default:
		return fmt.Errorf("driver %q has no schema", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	provider, err := goose.NewProvider(dialect, db, migrations)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		results, err := provider.Up(ctx)
		logResults(log, results)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			logResults(log, []*goose.MigrationResult{result})
		}
		return err
	case "reset":
		results, err := provider.DownTo(ctx, 0)
		logResults(log, results)
		return err
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		log.Info().Int64("version", v).Msg("schema version")
		return nil
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			ev := log.Info().
				Int64("version", s.Source.Version).
				Str("file", s.Source.Path).
				Str("state", string(s.State))
			if !s.AppliedAt.IsZero() {
				ev = ev.Time("applied_at", s.AppliedAt)
			}
			ev.Msg("migration")
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func logResults(log zerolog.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		log.Info().Msg("nothing to do")
		return
	}
	for _, r := range results {
		ev := log.Info()
		if r.Error != nil {
			ev = log.Error().Err(r.Error)
		}
		ev.Int64("version", r.Source.Version).
			Str("direction", r.Direction).
			Dur("took", r.Duration).
			Msg("migration applied")
	}
}
