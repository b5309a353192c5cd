// Package util holds the PostgreSQL test harness: one container (or the CI
// database) shared per test binary, one throwaway schema per test.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql

	"github.com/codeready-toolchain/revue/ent"
)

var (
	sharedOnce sync.Once
	sharedDSN  string
	sharedErr  error
)

// EntClient returns an ent client bound to a schema that exists only for
// this test. The schema is created here, migrated with ent's auto-migration
// (production uses the versioned SQL files; tests only need the shape), and
// dropped on cleanup.
func EntClient(t *testing.T) *ent.Client {
	t.Helper()
	ctx := context.Background()

	dsn := sharedDatabase(t)
	schema := schemaName(t)

	admin, err := stdsql.Open("pgx", dsn)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, dropErr := admin.ExecContext(context.Background(),
			"DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		if dropErr != nil {
			t.Logf("drop schema %s: %v", schema, dropErr)
		}
		_ = admin.Close()
	})

	// A second pool scoped to the schema via search_path, so every pooled
	// connection lands in the right place.
	db, err := stdsql.Open("pgx", withSearchPath(dsn, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(8)

	client := ent.NewClient(ent.Driver(entsql.OpenDB(dialect.Postgres, db)))
	require.NoError(t, client.Schema.Create(ctx))
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// sharedDatabase returns the DSN tests connect to: CI_DATABASE_URL when the
// pipeline provides a service container, otherwise a testcontainer started
// once for the whole binary.
func sharedDatabase(t *testing.T) string {
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	sharedOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("revue_test"),
			postgres.WithUsername("revue"),
			postgres.WithPassword("revue"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			sharedErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		sharedDSN, sharedErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, sharedErr)
	return sharedDSN
}

// schemaName derives a unique, identifier-safe schema name from the test.
func schemaName(t *testing.T) string {
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)

	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, t.Name())
	if len(name) > 32 {
		name = name[:32]
	}
	return "t_" + name + "_" + hex.EncodeToString(suffix)
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + schema
}
