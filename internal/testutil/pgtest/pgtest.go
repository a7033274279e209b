//go:build integration

// Package pgtest starts a migrated Postgres container for integration tests.
package pgtest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const image = "postgres:16-alpine"

// AppRole is the unprivileged role the application pool connects as. Superusers bypass RLS.
const AppRole = "healthsync_app"

// Database is a running, migrated Postgres instance.
type Database struct {
	// Admin connects as the container superuser.
	Admin *pgxpool.Pool
	// App connects as AppRole, so row-level policies apply.
	App *pgxpool.Pool
}

// Start launches a container, applies every *.up.sql migration in name order and creates
// AppRole. Everything is torn down when t finishes.
func Start(t *testing.T) Database {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := postgrescontainer.Run(ctx, image,
		postgrescontainer.WithDatabase("health"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
		// the entrypoint restarts the server once after init, so wait for the second ready line
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pg) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	admin := connect(t, ctx, connStr, nil)
	migrate(t, ctx, admin)

	_, err = admin.Exec(ctx, `
        CREATE ROLE `+AppRole+` LOGIN PASSWORD 'app';
        GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO `+AppRole+`;
        GRANT USAGE ON ALL SEQUENCES IN SCHEMA public TO `+AppRole+`;`)
	require.NoError(t, err)

	app := connect(t, ctx, connStr, func(cfg *pgxpool.Config) {
		cfg.ConnConfig.User = AppRole
		cfg.ConnConfig.Password = "app"
	})
	return Database{Admin: admin, App: app}
}

func connect(t *testing.T, ctx context.Context, connStr string, configure func(*pgxpool.Config)) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	if configure != nil {
		configure(cfg)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	return pool
}

func migrate(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	_, self, _, ok := runtime.Caller(0)
	require.True(t, ok)
	migrations := os.DirFS(filepath.Join(filepath.Dir(self), "..", "..", "..", "db", "postgres", "migrations"))

	// fs.Glob returns names in lexical order
	files, err := fs.Glob(migrations, "*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migrations found")

	for _, name := range files {
		sql, err := fs.ReadFile(migrations, name)
		require.NoErrorf(t, err, "read migration %s", name)
		_, err = pool.Exec(ctx, string(sql))
		require.NoErrorf(t, err, "apply migration %s", name)
	}
}
