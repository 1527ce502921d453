package testhelper

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/kalbasit/hazlock/pkg/database"
)

const (
	// AdminPostgresURLEnv holds the URL of a PostgreSQL role allowed to
	// create databases. PostgreSQL tests are skipped when it is unset.
	AdminPostgresURLEnv = "HAZLOCK_TEST_ADMIN_POSTGRES_URL"

	// AdminMySQLURLEnv holds the URL of a MySQL user allowed to create
	// databases. MySQL tests are skipped when it is unset.
	AdminMySQLURLEnv = "HAZLOCK_TEST_ADMIN_MYSQL_URL"
)

// SetupSQLite opens a fresh SQLite database in a temporary directory.
func SetupSQLite(t testing.TB) *bun.DB {
	t.Helper()

	dbFile := filepath.Join(t.TempDir(), "var", "hazlock", "db.sqlite")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbFile), 0o700))

	db, err := database.Open("sqlite:"+dbFile, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// SetupPostgres creates a temporary PostgreSQL database for the test and drops
// it once the test ends. It requires HAZLOCK_TEST_ADMIN_POSTGRES_URL.
func SetupPostgres(t *testing.T) *bun.DB {
	t.Helper()

	return setupEphemeral(t, AdminPostgresURLEnv, `CREATE DATABASE "%s"`, `DROP DATABASE IF EXISTS "%s"`)
}

// SetupMySQL creates a temporary MySQL database for the test and drops it
// once the test ends. It requires HAZLOCK_TEST_ADMIN_MYSQL_URL.
func SetupMySQL(t *testing.T) *bun.DB {
	t.Helper()

	return setupEphemeral(t, AdminMySQLURLEnv, "CREATE DATABASE `%s`", "DROP DATABASE IF EXISTS `%s`")
}

func setupEphemeral(t *testing.T, envVar, createStmt, dropStmt string) *bun.DB {
	t.Helper()

	adminURL := os.Getenv(envVar)
	if adminURL == "" {
		t.Skipf("Skipping test: %s not set", envVar)
	}

	ctx := context.Background()

	adminDB, err := database.Open(adminURL, nil)
	require.NoError(t, err, "failed to connect to the admin database")

	dbName := "test_" + MustRandString(24)

	_, err = adminDB.ExecContext(ctx, fmt.Sprintf(createStmt, dbName))
	require.NoError(t, err, "failed to create database %s", dbName)

	u, err := url.Parse(adminURL)
	require.NoError(t, err)

	u.Path = "/" + dbName

	db, err := database.Open(u.String(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_, _ = adminDB.ExecContext(context.Background(), fmt.Sprintf(dropStmt, dbName))
		_ = adminDB.Close()
	})

	return db
}
