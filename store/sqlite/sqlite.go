/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.Store and the three directories (materials, warehouses,
  parties) on one SQLite database. It is the default store of the server.

INTERFACES IMPLEMENTED:
  ledger.Store:              Movement persistence
  ledger.MaterialDirectory:  Material lookups
  ledger.WarehouseDirectory: Warehouse lookups
  ledger.PartyDirectory:     Batched CLIENT/PROVIDER lookups

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the movements table
  - A trigger aborts any UPDATE issued by other tools
  - Corrections via compensating movements only (reverses column, UNIQUE)

KEY TABLES:
  movements:  Immutable ledger; seq is the insertion order tie-break
  materials:  Material directory (unit is locked once referenced)
  warehouses: Warehouse directory
  parties:    CLIENT/PROVIDER directory

CONCURRENCY:
  sync.RWMutex serializes writers inside one process. Transactions are
  opened with _txlock=immediate so that the version check and the insert of
  AppendGuarded hold the database write lock together, also across
  processes sharing the file.

MIGRATION:
  Schema is versioned with goose; migrations are embedded and applied by
  New(). cmd/migrate runs the same files by hand.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store, ledger.Options{Warehouses: store})
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the goose migrations of the SQLite schema.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// timeLayout has a fixed width so that TEXT comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, Migrations())
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Reset clears all data (for demo scenarios). The movements table is
// dropped and recreated rather than deleted from.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, Migrations())
	if err != nil {
		return err
	}
	if _, err := provider.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
