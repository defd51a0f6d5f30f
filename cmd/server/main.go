/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and configuration (config package)
  2. Build the logger
  3. Open the store (memory, sqlite or postgres) and run migrations
  4. Connect to Redis when the cache or lock backend needs it
  5. Build engine, provenance resolver, handler and auditor
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor
  4. Close Redis and the database
  5. Exit

EXAMPLES:
  # SQLite file, in-process cache and locks
  STORE_DRIVER=sqlite SQLITE_PATH=./data/ledger.db ./server

  # Several instances sharing Postgres and Redis
  STORE_DRIVER=postgres DATABASE_URL=postgres://ledger@db/ledger \
  CACHE_BACKEND=redis LOCK_BACKEND=redis REDIS_ADDR=redis:6379 ./server

ENVIRONMENT:
  See config/config.go for every key and its default.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - cmd/migrate: Schema migrations without starting the server
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/cache"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/logger"
	"github.com/warp/stock-ledger/provenance"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	_ = godotenv.Load() // optional

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	b, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer b.close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store ready")

	// Redis, only when a backend needs it
	var rdb *redis.Client
	if cfg.Redis.CacheBackend == config.CacheRedis || cfg.Redis.LockBackend == config.LockRedis {
		rdb, err = cache.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	}

	opts := ledger.Options{
		Warehouses:        b.catalog,
		Logger:            &log,
		MaxCommitAttempts: cfg.Ledger.MaxCommitAttempts,
	}
	switch cfg.Redis.CacheBackend {
	case config.CacheMemory:
		opts.Cache = ledger.NewMemoryCache()
	case config.CacheRedis:
		opts.Cache = cache.NewRedisBalanceCache(rdb, cache.DefaultPrefix, cfg.Redis.CacheTTL)
	}
	if cfg.Redis.LockBackend == config.LockRedis {
		opts.Locker = cache.NewRedisLocker(rdb, cache.DefaultPrefix, cfg.Redis.LockTTL, log)
	}

	engine := ledger.NewEngine(b.store, b.catalog, opts)
	resolver := provenance.New(b.catalog, b.catalog, provenance.Options{
		Timeout: cfg.Directory.Timeout,
		Logger:  &log,
	})

	handler := api.NewHandler(engine, b.catalog, resolver, log)
	handler.Reset = b.reset
	handler.Health = b.ping

	auditor := api.NewBalanceAuditor(engine, log)
	auditor.CheckInterval = cfg.Ledger.AuditInterval
	handler.Auditor = auditor
	auditor.Start()
	defer auditor.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// BACKENDS
// =============================================================================

type backend struct {
	store   ledger.Store
	catalog api.Catalog
	reset   api.ResetFunc
	ping    func(ctx context.Context) error
	close   func() error
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (*backend, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		mem := store.NewMemory()
		dir := store.NewDirectory()
		return &backend{
			store:   mem,
			catalog: dir,
			reset: func(ctx context.Context) error {
				if err := mem.Reset(ctx); err != nil {
					return err
				}
				return dir.Reset(ctx)
			},
			close: func() error { return nil },
		}, nil

	case config.StoreSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, err
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &backend{store: s, catalog: s, reset: s.Reset, ping: s.Ping, close: s.Close}, nil

	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &backend{store: s, catalog: s, reset: s.Reset, ping: s.Ping, close: s.Close}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
