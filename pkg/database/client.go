// Package database owns the PostgreSQL layer: the ent client the services
// run on, and the versioned SQL migrations applied before it is handed out.
package database

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/codeready-toolchain/revue/ent"
)

// Versioned migrations live next to this package and ship inside the
// binary. New schema changes get a new numbered pair of .up/.down files;
// Open applies whatever is pending on startup.
//
//go:embed migrations
var migrations embed.FS

// Client is the ent client plus the raw pool it runs on. The raw *sql.DB
// is exposed for pool statistics; everything else goes through ent.
type Client struct {
	*ent.Client
	db *stdsql.DB
}

// DB returns the underlying connection pool.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Open connects to PostgreSQL, applies pending migrations, and wraps the
// pool in an ent client. The returned client owns the pool; its Close
// releases both.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrateUp(db, databaseName(cfg.URL)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	drv := entsql.OpenDB(dialect.Postgres, db)
	return &Client{
		Client: ent.NewClient(ent.Driver(drv)),
		db:     db,
	}, nil
}

// migrateUp applies the embedded migrations that have not run yet.
//
// Only the iofs source is closed afterwards: m.Close would also close the
// migrate database driver, and with it the shared *sql.DB the ent client
// is about to take over.
func migrateUp(db *stdsql.DB, dbName string) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("bind migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return source.Close()
}
